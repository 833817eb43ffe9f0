package frame

import (
	"strconv"
	"strings"
)

// HeaderSkip is the number of leading characters discarded from every text
// frame before tokenising. The gateway firmware prefixes each line with
// framing bytes whose meaning is undocumented; they are dropped verbatim.
const HeaderSkip = 6

const (
	tokensPerBeacon = 10
	idTokens        = 8
	// rawCount carries the number of payload tokens; one beacon is ten tokens.
	countDivisor = 10
)

// TextBeacon is one beacon entry of a text frame.
type TextBeacon struct {
	BeaconID   string `json:"beacon_id"`
	Centimeter int    `json:"centimeter"`
}

// TextFrame is the structured form of a text frame.
type TextFrame struct {
	RawCount int          `json:"raw_count"`
	Beacons  []TextBeacon `json:"beacons"`
}

// DecodeText decodes a delimited text frame. The beacon id is the string
// concatenation of the first eight tokens of each group, not a number.
func DecodeText(line string) (*TextFrame, error) {
	line = strings.TrimRight(line, "\r\n")
	body, ok := skipRunes(line, HeaderSkip)
	if !ok {
		return nil, malformed("text frame shorter than %d character header", HeaderSkip)
	}
	tokens := strings.Fields(body)
	if len(tokens) == 0 {
		return nil, malformed("text frame has no tokens")
	}

	rawCount, err := strconv.Atoi(tokens[0])
	if err != nil || rawCount < 0 {
		return nil, malformed("invalid beacon count token %q", tokens[0])
	}
	n := rawCount / countDivisor
	if need := 1 + n*tokensPerBeacon; len(tokens) < need {
		return nil, malformed("text frame declares %d beacons, needs %d tokens, has %d", n, need, len(tokens))
	}

	f := &TextFrame{RawCount: rawCount, Beacons: make([]TextBeacon, 0, n)}
	for i := 0; i < n; i++ {
		group := tokens[1+i*tokensPerBeacon : 1+(i+1)*tokensPerBeacon]
		meters, err := strconv.Atoi(group[idTokens])
		if err != nil {
			return nil, malformed("beacon %d: invalid meters token %q", i, group[idTokens])
		}
		cm, err := strconv.Atoi(group[idTokens+1])
		if err != nil {
			return nil, malformed("beacon %d: invalid centimeters token %q", i, group[idTokens+1])
		}
		total := meters*100 + cm
		if total < 0 {
			return nil, malformed("beacon %d: negative distance %dcm", i, total)
		}
		f.Beacons = append(f.Beacons, TextBeacon{
			BeaconID:   strings.Join(group[:idTokens], ""),
			Centimeter: total,
		})
	}
	return f, nil
}

// Readings converts the frame's beacons to readings in meters.
func (f *TextFrame) Readings() []BeaconReading {
	out := make([]BeaconReading, 0, len(f.Beacons))
	for _, b := range f.Beacons {
		out = append(out, BeaconReading{BeaconID: b.BeaconID, DistanceMeters: float64(b.Centimeter) / 100})
	}
	return out
}

type textDecoder struct{}

func (textDecoder) Format() Format { return FormatText }

func (textDecoder) Decode(line string) ([]BeaconReading, error) {
	f, err := DecodeText(line)
	if err != nil {
		return nil, err
	}
	return f.Readings(), nil
}

// skipRunes drops the first n characters of s. It reports false when s is
// shorter than n characters.
func skipRunes(s string, n int) (string, bool) {
	for i := range s {
		if n == 0 {
			return s[i:], true
		}
		n--
	}
	return "", n == 0
}
