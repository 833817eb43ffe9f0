package frame

import (
	"strconv"
	"strings"
)

const (
	fieldBits      = 32
	headerBits     = 4 * fieldBits
	beaconPairBits = 2 * fieldBits
)

// BeaconRange is one beacon entry of a binary frame.
type BeaconRange struct {
	UUID         uint32 `json:"uuid"`
	TimeOfFlight uint32 `json:"tof"`
}

// DecodedFrame is the structured form of a binary frame.
type DecodedFrame struct {
	Target     uint32        `json:"target"`
	NumBeacons uint32        `json:"num_beacons"`
	UUID       uint32        `json:"uuid"`
	Timestamp  uint32        `json:"timestamp"`
	Beacons    []BeaconRange `json:"beacons"`

	// BitsConsumed is the number of bits read to decode the frame. Trailing
	// bits beyond this are ignored.
	BitsConsumed int `json:"-"`
}

// DecodeBinary decodes an ASCII bit string frame.
func DecodeBinary(bits string) (*DecodedFrame, error) {
	buf, n, err := PackBitString(strings.TrimSpace(bits))
	if err != nil {
		return nil, err
	}
	return DecodeBinaryBytes(buf, n)
}

// DecodeBinaryBytes decodes a frame already packed into bytes; nbits is the
// number of valid bits in buf.
func DecodeBinaryBytes(buf []byte, nbits int) (*DecodedFrame, error) {
	r := NewBitReader(buf, nbits)
	if r.Remaining() < headerBits {
		return nil, malformed("frame has %d bits, header needs %d", r.Remaining(), headerBits)
	}

	var f DecodedFrame
	for _, dst := range []*uint32{&f.Target, &f.NumBeacons, &f.UUID, &f.Timestamp} {
		v, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	need := uint64(headerBits) + uint64(f.NumBeacons)*beaconPairBits
	if uint64(nbits) < need {
		return nil, malformed("frame declares %d beacons (%d bits) but has %d bits", f.NumBeacons, need, nbits)
	}

	f.Beacons = make([]BeaconRange, 0, f.NumBeacons)
	for i := uint32(0); i < f.NumBeacons; i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		tof, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		f.Beacons = append(f.Beacons, BeaconRange{UUID: id, TimeOfFlight: tof})
	}
	f.BitsConsumed = r.Offset()
	return &f, nil
}

// Readings converts the frame's beacon entries to readings, scaling the
// time-of-flight ticks by tofScale meters per tick.
func (f *DecodedFrame) Readings(tofScale float64) []BeaconReading {
	out := make([]BeaconReading, 0, len(f.Beacons))
	for _, b := range f.Beacons {
		out = append(out, BeaconReading{
			BeaconID:       strconv.FormatUint(uint64(b.UUID), 10),
			DistanceMeters: float64(b.TimeOfFlight) * tofScale,
		})
	}
	return out
}

type binaryDecoder struct {
	tofScale float64
}

func (binaryDecoder) Format() Format { return FormatBinary }

func (d binaryDecoder) Decode(line string) ([]BeaconReading, error) {
	f, err := DecodeBinary(line)
	if err != nil {
		return nil, err
	}
	return f.Readings(d.tofScale), nil
}
