package stratum

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lithdew/bytesutil"
)

// testMessage is the decoded shape ReadMessage hands back: a request id and
// a deterministic string body. The wire layout deliberately differs from
// the frame header (big-endian, via bytesutil) to underline that Frame
// I/O's little-endian length/response-to fields are the only part of a
// frame the core itself ever interprets.
type testMessage struct {
	RequestID int32
	Body      string
}

// testEncoder writes one frame: the 4-byte LE total length, four zero bytes,
// the 4-byte LE response-to at offset 8, then the request id (BE) and a
// deterministic body prefixed with its BE uint16 length.
type testEncoder struct{}

func (testEncoder) WriteMessage(buf Buffer, msg OutboundMessage) error {
	body := fmt.Sprintf("body-%d", msg.RequestID)

	var payload []byte
	payload = bytesutil.AppendUint32BE(payload, uint32(msg.RequestID))
	payload = bytesutil.AppendUint16BE(payload, uint16(len(body)))
	payload = append(payload, body...)

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[8:], uint32(msg.RequestID))
	frame := append(header, payload...)
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(frame)))

	_, err := buf.(*outputBuffer).Write(frame)
	return err
}

type testEncoderFactory struct{}

func (testEncoderFactory) NewEncoder(buf Buffer, settings EncoderSettings) Encoder {
	return testEncoder{}
}

type testDecoder struct{}

func (testDecoder) ReadMessage(buf Buffer) (interface{}, error) {
	raw, err := buf.ReadRange(12, buf.Len()-12)
	if err != nil {
		return nil, err
	}
	if len(raw) < 6 {
		return nil, errors.New("mockcodec: short body")
	}
	reqID := bytesutil.Uint32BE(raw[:4])
	size := bytesutil.Uint16BE(raw[4:6])
	body := string(raw[6 : 6+int(size)])
	return testMessage{RequestID: int32(reqID), Body: body}, nil
}

func testSelector(int32) Decoder { return testDecoder{} }

// buildEchoReply hand-builds a complete reply frame in the same wire shape
// testEncoder writes, for tests that drive the server side of a net.Pipe
// directly instead of through a Connection.
func buildEchoReply(respID int32) []byte {
	body := fmt.Sprintf("body-%d", respID)

	var payload []byte
	payload = bytesutil.AppendUint32BE(payload, uint32(respID))
	payload = bytesutil.AppendUint16BE(payload, uint16(len(body)))
	payload = append(payload, body...)

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[8:], uint32(respID))
	frame := append(header, payload...)
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(frame)))
	return frame
}
