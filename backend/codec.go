package backend

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/absfs/layerfs"
)

// encMode uses Core Deterministic Encoding so the same attributes always
// produce identical sidecar bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("backend: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backend: CBOR decoder initialization failed: " + err.Error())
	}
}

// attrWire is the stored form of a layerfs.Value.
type attrWire struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Str   string  `cbor:"2,keyasint,omitempty"`
	Int   int64   `cbor:"3,keyasint,omitempty"`
	Float float64 `cbor:"4,keyasint,omitempty"`
	Bool  bool    `cbor:"5,keyasint,omitempty"`
	Time  int64   `cbor:"6,keyasint,omitempty"`
	Bytes []byte  `cbor:"7,keyasint,omitempty"`
	Level uint32  `cbor:"8,keyasint,omitempty"`
}

// sidecar holds the attributes of every entry of one folder, keyed by base
// name. The folder's own attributes use the key ".".
type sidecar map[string]map[string]attrWire

func encodeValue(v layerfs.Value) attrWire {
	w := attrWire{Kind: uint8(v.Kind())}
	switch v.Kind() {
	case layerfs.KindString:
		w.Str = v.Str()
	case layerfs.KindInt:
		w.Int = v.Int()
	case layerfs.KindFloat:
		w.Float = v.Float()
	case layerfs.KindBool:
		w.Bool = v.Bool()
	case layerfs.KindTime:
		w.Time = v.Time().UnixNano()
	case layerfs.KindBytes:
		w.Bytes = v.Bytes()
	case layerfs.KindVoid:
		w.Level = v.Level()
	}
	return w
}

func decodeValue(w attrWire) layerfs.Value {
	switch layerfs.Kind(w.Kind) {
	case layerfs.KindString:
		return layerfs.StringValue(w.Str)
	case layerfs.KindInt:
		return layerfs.IntValue(w.Int)
	case layerfs.KindFloat:
		return layerfs.FloatValue(w.Float)
	case layerfs.KindBool:
		return layerfs.BoolValue(w.Bool)
	case layerfs.KindTime:
		return layerfs.TimeValue(time.Unix(0, w.Time).UTC())
	case layerfs.KindBytes:
		return layerfs.BytesValue(w.Bytes)
	case layerfs.KindVoid:
		return layerfs.VoidValue(w.Level)
	}
	return layerfs.Null
}

func marshalSidecar(s sidecar) ([]byte, error) {
	return encMode.Marshal(s)
}

func unmarshalSidecar(data []byte) (sidecar, error) {
	s := sidecar{}
	if len(data) == 0 {
		return s, nil
	}
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}
