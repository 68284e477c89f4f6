package ptunp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/semver"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/lunixbochs/struc"
)

// ProtocolVersion is the version of the tunnel handshake and framing. Peers have to
// agree on major and minor version.
const ProtocolVersion = "0.1.0"

const (
	handshakeMagic   = "PTUNP"
	maxHandshakeBody = 4096

	kindClientHandshake uint8 = 1
	kindServerHandshake uint8 = 2
	kindError           uint8 = 3
)

// ErrIncompatibleVersion is returned when the peers speak incompatible protocol versions
var ErrIncompatibleVersion = errors.New("incompatible protocol version")

// ErrMTUTooSmall is returned when the client asks for an MTU no interface can be configured with
var ErrMTUTooSmall = errors.New("mtu too small")

type envelopeHeader struct {
	Magic  []byte `struc:"[5]byte"`
	Kind   uint8  `struc:"uint8"`
	Length uint16 `struc:"uint16,big"`
}

type clientHandshakeRequest struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	MTU     int    `json:"mtu"`
}

type tunnelParameters struct {
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	MTU     int    `json:"mtu"`
}

type serverHandshakeResponse struct {
	Type             string           `json:"type"`
	Version          string           `json:"version"`
	ServerAddress    string           `json:"serverAddress"`
	ClientParameters tunnelParameters `json:"clientParameters"`
}

type handshakeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeEnvelope(w io.Writer, kind uint8, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxHandshakeBody {
		return fmt.Errorf("writeEnvelope: body of %d bytes is too large", len(body))
	}
	buf := new(bytes.Buffer)
	hdr := envelopeHeader{Magic: []byte(handshakeMagic), Kind: kind, Length: uint16(len(body))}
	if err := struc.Pack(buf, &hdr); err != nil {
		return fmt.Errorf("writeEnvelope: failed to pack header: %w", err)
	}
	// Write on bytes.Buffer never returns an error
	_, _ = buf.Write(body)
	_, err = w.Write(buf.Bytes())
	return err
}

func readEnvelope(r io.Reader) (uint8, []byte, error) {
	var hdr envelopeHeader
	if err := struc.Unpack(r, &hdr); err != nil {
		return 0, nil, fmt.Errorf("readEnvelope: failed to read header: %w", err)
	}
	if string(hdr.Magic) != handshakeMagic {
		return 0, nil, fmt.Errorf("readEnvelope: invalid magic %q", hdr.Magic)
	}
	if hdr.Length > maxHandshakeBody {
		return 0, nil, fmt.Errorf("readEnvelope: body of %d bytes is too large", hdr.Length)
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("readEnvelope: failed to read body: %w", err)
	}
	return hdr.Kind, body, nil
}

func checkVersion(remote string) error {
	local := semver.MustParse(ProtocolVersion)
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: '%s' is not a valid version", ErrIncompatibleVersion, remote)
	}
	c, err := semver.NewConstraint(fmt.Sprintf("~%d.%d", local.Major(), local.Minor()))
	if err != nil {
		return err
	}
	if !c.Check(rv) {
		return fmt.Errorf("%w: local %s, remote %s", ErrIncompatibleVersion, local, rv)
	}
	return nil
}

// exchangeTunnelParameters is the client side of the handshake
func exchangeTunnelParameters(rw io.ReadWriter, mtu int) (serverHandshakeResponse, error) {
	rq := clientHandshakeRequest{Type: "clientHandshakeRequest", Version: ProtocolVersion, MTU: mtu}
	if err := writeEnvelope(rw, kindClientHandshake, rq); err != nil {
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: failed to send request: %w", err)
	}
	kind, body, err := readEnvelope(rw)
	if err != nil {
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: %w", err)
	}
	switch kind {
	case kindServerHandshake:
	case kindError:
		var herr handshakeError
		_ = json.Unmarshal(body, &herr)
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: server refused handshake: %s", herr.Message)
	default:
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: unexpected message kind %d", kind)
	}
	var res serverHandshakeResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: failed to decode response: %w", err)
	}
	if err := checkVersion(res.Version); err != nil {
		return serverHandshakeResponse{}, fmt.Errorf("exchangeTunnelParameters: %w", err)
	}
	return res, nil
}

// answerHandshake is the server side of the handshake. It waits for the client's request
// and answers with the parameters the client has to configure its interface with. The
// MTU of the answer is the smaller one of both sides.
func answerHandshake(rw io.ReadWriter, serverAddress string, params tunnelParameters) (tunnelParameters, error) {
	kind, body, err := readEnvelope(rw)
	if err != nil {
		return tunnelParameters{}, fmt.Errorf("answerHandshake: %w", err)
	}
	if kind != kindClientHandshake {
		return tunnelParameters{}, fmt.Errorf("answerHandshake: unexpected message kind %d", kind)
	}
	var rq clientHandshakeRequest
	if err := json.Unmarshal(body, &rq); err != nil {
		return tunnelParameters{}, fmt.Errorf("answerHandshake: failed to decode request: %w", err)
	}
	if err := checkVersion(rq.Version); err != nil {
		_ = writeEnvelope(rw, kindError, handshakeError{Type: "error", Message: err.Error()})
		return tunnelParameters{}, fmt.Errorf("answerHandshake: %w", err)
	}
	if rq.MTU > 0 && rq.MTU < tun.MinMTU {
		err := fmt.Errorf("%w: mtu %d is below %d", ErrMTUTooSmall, rq.MTU, tun.MinMTU)
		_ = writeEnvelope(rw, kindError, handshakeError{Type: "error", Message: err.Error()})
		return tunnelParameters{}, fmt.Errorf("answerHandshake: %w", err)
	}
	if rq.MTU > 0 && rq.MTU < params.MTU {
		params.MTU = rq.MTU
	}
	res := serverHandshakeResponse{
		Type:             "serverHandshakeResponse",
		Version:          ProtocolVersion,
		ServerAddress:    serverAddress,
		ClientParameters: params,
	}
	if err := writeEnvelope(rw, kindServerHandshake, res); err != nil {
		return tunnelParameters{}, fmt.Errorf("answerHandshake: failed to send response: %w", err)
	}
	return params, nil
}
