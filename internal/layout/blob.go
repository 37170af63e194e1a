// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package layout

import (
	"fmt"

	"github.com/gogpu/dispatch/internal/device"
	"google.golang.org/protobuf/encoding/protowire"
)

// Blob field numbers. The blob is a protobuf-wire message:
//
//	Description { 1: version, 2: flags, 3: repeated Parameter }
//	Parameter   { 1: kind, 2: register, 3: space, 4: flags, 5: repeated Range }
//	Range       { 1: kind, 2: count, 3: base register, 4: space, 5: flags }
const (
	fieldVersion    protowire.Number = 1
	fieldFlags      protowire.Number = 2
	fieldParameters protowire.Number = 3

	fieldParamKind     protowire.Number = 1
	fieldParamRegister protowire.Number = 2
	fieldParamSpace    protowire.Number = 3
	fieldParamFlags    protowire.Number = 4
	fieldParamRanges   protowire.Number = 5

	fieldRangeKind  protowire.Number = 1
	fieldRangeCount protowire.Number = 2
	fieldRangeBase  protowire.Number = 3
	fieldRangeSpace protowire.Number = 4
	fieldRangeFlags protowire.Number = 5
)

// Serialize validates desc and encodes it into a versioned blob.
// Rejections wrap ErrLayoutSerializationFailed with a diagnostic.
func Serialize(desc Description) ([]byte, error) {
	if err := validate(desc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLayoutSerializationFailed, err)
	}

	var b []byte
	b = appendVarint(b, fieldVersion, uint64(desc.Version))
	b = appendVarint(b, fieldFlags, uint64(desc.Flags))
	for _, p := range desc.Parameters {
		b = protowire.AppendTag(b, fieldParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeParameter(p))
	}
	return b, nil
}

func encodeParameter(p Parameter) []byte {
	var b []byte
	b = appendVarint(b, fieldParamKind, uint64(p.Kind))
	b = appendVarint(b, fieldParamRegister, uint64(p.Register))
	b = appendVarint(b, fieldParamSpace, uint64(p.Space))
	b = appendVarint(b, fieldParamFlags, uint64(p.Flags))
	for _, r := range p.Ranges {
		var rb []byte
		rb = appendVarint(rb, fieldRangeKind, uint64(r.Kind))
		rb = appendVarint(rb, fieldRangeCount, uint64(r.Count))
		rb = appendVarint(rb, fieldRangeBase, uint64(r.BaseRegister))
		rb = appendVarint(rb, fieldRangeSpace, uint64(r.Space))
		rb = appendVarint(rb, fieldRangeFlags, uint64(r.Flags))
		b = protowire.AppendTag(b, fieldParamRanges, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Deserialize decodes a blob produced by Serialize.
func Deserialize(blob []byte) (Description, error) {
	var desc Description
	err := walk(blob, func(num protowire.Number, v uint64, sub []byte) error {
		switch num {
		case fieldVersion:
			desc.Version = device.LayoutVersion(v)
		case fieldFlags:
			desc.Flags = Flags(v)
		case fieldParameters:
			p, err := decodeParameter(sub)
			if err != nil {
				return err
			}
			desc.Parameters = append(desc.Parameters, p)
		}
		return nil
	})
	if err != nil {
		return Description{}, err
	}
	return desc, nil
}

func decodeParameter(b []byte) (Parameter, error) {
	var p Parameter
	err := walk(b, func(num protowire.Number, v uint64, sub []byte) error {
		switch num {
		case fieldParamKind:
			p.Kind = ParameterKind(v)
		case fieldParamRegister:
			p.Register = uint32(v)
		case fieldParamSpace:
			p.Space = uint32(v)
		case fieldParamFlags:
			p.Flags = DataFlags(v)
		case fieldParamRanges:
			var r Range
			err := walk(sub, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case fieldRangeKind:
					r.Kind = RangeKind(v)
				case fieldRangeCount:
					r.Count = uint32(v)
				case fieldRangeBase:
					r.BaseRegister = uint32(v)
				case fieldRangeSpace:
					r.Space = uint32(v)
				case fieldRangeFlags:
					r.Flags = DataFlags(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Ranges = append(p.Ranges, r)
		}
		return nil
	})
	return p, err
}

// walk iterates the fields of one message. Varint fields pass their value,
// bytes fields their payload; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v uint64, sub []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedBlob, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			sub []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			sub, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedBlob, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, v, sub); err != nil {
			return err
		}
	}
	return nil
}

// registerKey identifies one register binding for overlap detection.
type registerKey struct {
	kind  RangeKind
	space uint32
	reg   uint32
}

// validate returns a diagnostic for the first malformed entry in desc.
func validate(desc Description) error {
	if desc.Version != device.LayoutVersion1_0 && desc.Version != device.LayoutVersion1_1 {
		return fmt.Errorf("unsupported version %v", desc.Version)
	}
	if len(desc.Parameters) != ParameterCount {
		return fmt.Errorf("%d parameters, want %d", len(desc.Parameters), ParameterCount)
	}

	v10 := desc.Version == device.LayoutVersion1_0
	used := make(map[registerKey]int)
	claim := func(param int, k registerKey) error {
		if prev, ok := used[k]; ok {
			return fmt.Errorf("parameter %d: register %s%d space %d already bound by parameter %d",
				param, k.kind.register(), k.reg, k.space, prev)
		}
		used[k] = param
		return nil
	}

	for i, p := range desc.Parameters {
		switch p.Kind {
		case ParamKindConstantBuffer:
			if len(p.Ranges) != 0 {
				return fmt.Errorf("parameter %d: constant buffer must not carry ranges", i)
			}
			if v10 && p.Flags != DataFlagsNone {
				return fmt.Errorf("parameter %d: data flags require version 1.1", i)
			}
			if err := claim(i, registerKey{RangeCBV, p.Space, p.Register}); err != nil {
				return err
			}
		case ParamKindTable:
			if len(p.Ranges) == 0 {
				return fmt.Errorf("parameter %d: descriptor table has no ranges", i)
			}
			for j, r := range p.Ranges {
				if r.Kind != RangeSRV && r.Kind != RangeUAV && r.Kind != RangeCBV {
					return fmt.Errorf("parameter %d range %d: invalid range kind %v", i, j, r.Kind)
				}
				if r.Count == 0 {
					return fmt.Errorf("parameter %d range %d: empty range", i, j)
				}
				if v10 && r.Flags != DataFlagsNone {
					return fmt.Errorf("parameter %d range %d: data flags require version 1.1", i, j)
				}
				if r.Flags&DataFlagsVolatile != 0 && r.Flags&DataFlagsStatic != 0 {
					return fmt.Errorf("parameter %d range %d: volatile and static are exclusive", i, j)
				}
				for reg := r.BaseRegister; reg < r.BaseRegister+r.Count; reg++ {
					if err := claim(i, registerKey{r.Kind, r.Space, reg}); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("parameter %d: invalid kind %v", i, p.Kind)
		}
	}
	return nil
}
