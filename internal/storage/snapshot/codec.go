package snapshot

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// Payload layout, protobuf wire format:
//
//	Checkpoint { repeated Anchor anchors = 1; repeated Entry entries = 2; }
//	Anchor     { string name = 1; sint64 watermark = 2; }
//	Entry      { string tal = 1; bytes addr = 2; uint32 bits = 3;
//	             uint32 asn = 4; uint32 max_len = 5;
//	             packed sint64 spans = 6; bool open = 7; }
//
// spans holds, per interval, the distance of its start from the end of
// the previous interval (from day zero for the first) followed by its
// length in days. An open last interval contributes only its start.
const (
	fieldAnchors = 1
	fieldEntries = 2

	fieldAnchorName      = 1
	fieldAnchorWatermark = 2

	fieldEntryTAL    = 1
	fieldEntryAddr   = 2
	fieldEntryBits   = 3
	fieldEntryASN    = 4
	fieldEntryMaxLen = 5
	fieldEntrySpans  = 6
	fieldEntryOpen   = 7
)

// Checkpoint is the decoded content of a checkpoint.
type Checkpoint struct {
	Anchors []domain.AnchorState
	Entries []memory.Entry
}

// Restore loads the checkpoint into idx.
func (c *Checkpoint) Restore(idx *memory.Index) error {
	return idx.Restore(c.Anchors, c.Entries)
}

// encodeView serializes every anchor and history of view.
func encodeView(view *memory.View) ([]byte, int) {
	b := make([]byte, 0, 64*view.Len()+256)
	var msg []byte
	for _, a := range view.Anchors() {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, fieldAnchorName, protowire.BytesType)
		msg = protowire.AppendString(msg, a.Name)
		msg = protowire.AppendTag(msg, fieldAnchorWatermark, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(int64(a.Watermark)))

		b = protowire.AppendTag(b, fieldAnchors, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	count := 0
	var spans []byte
	view.Walk(func(e memory.Entry) bool {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, fieldEntryTAL, protowire.BytesType)
		msg = protowire.AppendString(msg, e.Key.TAL)
		msg = protowire.AppendTag(msg, fieldEntryAddr, protowire.BytesType)
		msg = protowire.AppendBytes(msg, e.Key.Prefix.Addr().AsSlice())
		msg = protowire.AppendTag(msg, fieldEntryBits, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.Key.Prefix.Bits()))
		msg = protowire.AppendTag(msg, fieldEntryASN, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.Key.ASN))
		msg = protowire.AppendTag(msg, fieldEntryMaxLen, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.Key.MaxLen))

		spans = spans[:0]
		var prev domain.Date
		for _, iv := range e.History.Intervals {
			spans = protowire.AppendVarint(spans, protowire.EncodeZigZag(int64(iv.Start.Sub(prev))))
			if iv.Open {
				break
			}
			spans = protowire.AppendVarint(spans, protowire.EncodeZigZag(int64(iv.End.Sub(iv.Start))))
			prev = iv.End
		}
		msg = protowire.AppendTag(msg, fieldEntrySpans, protowire.BytesType)
		msg = protowire.AppendBytes(msg, spans)
		if e.History.Current() {
			msg = protowire.AppendTag(msg, fieldEntryOpen, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
		}

		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
		count++
		return true
	})
	return b, count
}

// decodeCheckpoint parses a payload produced by encodeView. Structural
// validation of the histories is left to Index.Restore.
func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldAnchors:
			a, err := decodeAnchor(v)
			if err != nil {
				return err
			}
			c.Anchors = append(c.Anchors, a)
		case fieldEntries:
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			c.Entries = append(c.Entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeAnchor(b []byte) (domain.AnchorState, error) {
	var a domain.AnchorState
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldAnchorName && typ == protowire.BytesType:
			a.Name = string(v)
		case num == fieldAnchorWatermark && typ == protowire.VarintType:
			a.Watermark = domain.Date(protowire.DecodeZigZag(x))
		}
		return nil
	})
	if err == nil && !domain.ValidAnchor(a.Name) {
		err = fmt.Errorf("unknown anchor %q", a.Name)
	}
	return a, err
}

func decodeEntry(b []byte) (memory.Entry, error) {
	var (
		key   domain.RoaKey
		addr  []byte
		bits  uint64
		spans []byte
		open  bool
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fieldEntryTAL:
			key.TAL = string(v)
		case fieldEntryAddr:
			addr = v
		case fieldEntryBits:
			bits = x
		case fieldEntryASN:
			key.ASN = uint32(x)
		case fieldEntryMaxLen:
			key.MaxLen = uint8(x)
		case fieldEntrySpans:
			spans = v
		case fieldEntryOpen:
			open = protowire.DecodeBool(x)
		}
		return nil
	})
	if err != nil {
		return memory.Entry{}, err
	}

	ip, ok := netip.AddrFromSlice(addr)
	if !ok || bits > uint64(ip.BitLen()) {
		return memory.Entry{}, fmt.Errorf("bad prefix %x/%d", addr, bits)
	}
	key.Prefix = netip.PrefixFrom(ip, int(bits))

	h, err := decodeSpans(spans, open)
	if err != nil {
		return memory.Entry{}, fmt.Errorf("%s: %w", key, err)
	}
	return memory.Entry{Key: key, History: h}, nil
}

func decodeSpans(b []byte, open bool) (*domain.History, error) {
	var vals []int64
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, protowire.DecodeZigZag(x))
		b = b[n:]
	}
	if len(vals) == 0 || (len(vals)%2 == 1) != open {
		return nil, fmt.Errorf("malformed intervals")
	}

	h := &domain.History{Intervals: make([]domain.Interval, 0, (len(vals)+1)/2)}
	var prev domain.Date
	for i := 0; i < len(vals); i += 2 {
		start := prev.AddDays(int(vals[i]))
		if i+1 == len(vals) {
			h.Intervals = append(h.Intervals, domain.Interval{Start: start, Open: true})
			break
		}
		end := start.AddDays(int(vals[i+1]))
		h.Intervals = append(h.Intervals, domain.Interval{Start: start, End: end})
		prev = end
	}
	return h, nil
}

// consumeFields calls fn for every field of a message. For varint
// fields v is nil and x holds the value; for length-delimited fields v
// holds the bytes. Other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
