package server

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

type telnetState uint8

const (
	telnetData telnetState = iota
	telnetCommand
	telnetOption
)

// telnetFilter strips Telnet commands from control connection input.
//
// Input arrives in whatever pieces the socket hands over, so a sequence may
// be split across calls. The filter keeps its position inside a sequence
// between calls.
type telnetFilter struct {
	state telnetState
}

// filter appends the data bytes of src to dst and returns the result.
func (t *telnetFilter) filter(dst, src []byte) []byte {
	for _, b := range src {
		switch t.state {
		case telnetData:
			if b == telnetIAC {
				t.state = telnetCommand
				continue
			}
			dst = append(dst, b)

		case telnetCommand:
			switch b {
			case telnetIAC:
				// Escaped 0xFF
				dst = append(dst, telnetIAC)
				t.state = telnetData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				// 3-byte sequence (IAC CMD OPT)
				t.state = telnetOption
			default:
				// 2-byte sequence (IAC CMD), ignored
				t.state = telnetData
			}

		case telnetOption:
			t.state = telnetData
		}
	}
	return dst
}
