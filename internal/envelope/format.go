package envelope

import "encoding/json"

// Item is one element of a history stream, shaped by the keys/values options.
type Item struct {
	Key   MsgKey `json:"key,omitempty"`
	Value *Value `json:"value,omitempty"`

	keys, values bool
}

// Format projects env onto the requested fields. With both flags false the
// item is empty.
func Format(env *Envelope, keys, values bool) Item {
	it := Item{keys: keys, values: values}
	if keys {
		it.Key = env.Key
	}
	if values {
		v := env.Value
		it.Value = &v
	}
	return it
}

// MarshalJSON renders the item the way history consumers expect it: a
// {key, value} object when both are selected, otherwise the bare field.
func (it Item) MarshalJSON() ([]byte, error) {
	switch {
	case it.keys && it.values:
		return json.Marshal(struct {
			Key   MsgKey `json:"key"`
			Value *Value `json:"value"`
		}{it.Key, it.Value})
	case it.keys:
		return json.Marshal(it.Key)
	case it.values:
		return json.Marshal(it.Value)
	default:
		return []byte("null"), nil
	}
}
