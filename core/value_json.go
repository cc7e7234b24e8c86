package core

import "encoding/json"

// wireValue is Value's on-the-wire shape: a one-letter kind tag plus a
// single JSON-native payload, so a NULL and a zero-valued int are never
// confused across a POST /exec round trip.
type wireValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return json.Marshal(wireValue{K: "n"})
	case KindInt:
		payload, err := json.Marshal(v.I)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "i", V: payload})
	case KindFloat:
		payload, err := json.Marshal(v.F)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "f", V: payload})
	case KindBool:
		payload, err := json.Marshal(v.B)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "b", V: payload})
	case KindString:
		payload, err := json.Marshal(v.S)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireValue{K: "s", V: payload})
	default:
		return json.Marshal(wireValue{K: "n"})
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var wv wireValue
	if err := json.Unmarshal(data, &wv); err != nil {
		return err
	}
	switch wv.K {
	case "n", "":
		*v = Null
	case "i":
		var i int64
		if err := json.Unmarshal(wv.V, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case "f":
		var f float64
		if err := json.Unmarshal(wv.V, &f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case "b":
		var b bool
		if err := json.Unmarshal(wv.V, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case "s":
		var s string
		if err := json.Unmarshal(wv.V, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	}
	return nil
}
