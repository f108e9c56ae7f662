package jail

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// maxFrame bounds a single request or response. Large directory listings are
// the only messages that approach it.
const maxFrame = 64 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("jail: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("jail: CBOR decoder initialization failed: " + err.Error())
	}
}

// writeFrame sends v as one length-prefixed CBOR frame. When fd is
// non-negative it rides along as SCM_RIGHTS ancillary data.
func writeFrame(conn *net.UnixConn, v any, fd int) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("jail: encode: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("jail: frame too large (%d bytes)", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	n, oobn, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("jail: write: %w", err)
	}
	if oobn != len(oob) {
		return errors.New("jail: short ancillary write")
	}
	if n < len(frame) {
		// The descriptor went out with the first chunk.
		if _, err := conn.Write(frame[n:]); err != nil {
			return fmt.Errorf("jail: write: %w", err)
		}
	}
	return nil
}

// readFrame reads one frame into v and returns any descriptors that arrived
// with it.
func readFrame(conn *net.UnixConn, v any) ([]int, error) {
	var fds []int
	oob := make([]byte, unix.CmsgSpace(4*4))

	read := func(buf []byte) error {
		for off := 0; off < len(buf); {
			n, oobn, _, _, err := conn.ReadMsgUnix(buf[off:], oob)
			if oobn > 0 {
				got, perr := parseRights(oob[:oobn])
				if perr != nil {
					return perr
				}
				fds = append(fds, got...)
			}
			off += n
			if err != nil {
				if errors.Is(err, io.EOF) && off > 0 && off < len(buf) {
					return io.ErrUnexpectedEOF
				}
				return err
			}
			if n == 0 && oobn == 0 {
				return io.EOF
			}
		}
		return nil
	}

	var hdr [4]byte
	if err := read(hdr[:]); err != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("jail: read header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrame {
		closeFDs(fds)
		return nil, fmt.Errorf("jail: frame too large (%d bytes)", size)
	}

	payload := make([]byte, size)
	if err := read(payload); err != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("jail: read payload: %w", err)
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("jail: decode: %w", err)
	}
	return fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("jail: parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
