// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Handshake message-type tokens.
const (
	tokAuthRequired      = "Authentication required"
	tokNoAuthRequired    = "No Authentication required"
	tokAuthResponse      = "Authentication"
	tokAuthFailed        = "Authentication failed"
	tokAuthSucceeded     = "Authentication succeeded"
	tokHandshakeSucceded = "Handshake succeeded"
	tokEndpointBlocked   = "endpoint blocked"
)

// maxHandshakeMessage bounds the size of a handshake frame.
const maxHandshakeMessage = 64 << 10

// An Authenticator creates and verifies challenges exchanged during the
// handshake. Both endpoints of a connection must be configured with
// compatible authenticators.
type Authenticator interface {
	// CreateChallenge returns a fresh challenge for the remote endpoint.
	CreateChallenge() string

	// CreateResponse answers a challenge posed by the remote endpoint.
	CreateResponse(challenge string) string

	// Authenticate reports whether response correctly answers challenge.
	Authenticate(challenge, response string) bool
}

// SharedSecret is an [Authenticator] for endpoints that share a secret key.
// Challenges are random UUIDs and responses are the hex-encoded HMAC-SHA256
// of the challenge under the key.
type SharedSecret []byte

// CreateChallenge implements [Authenticator].
func (s SharedSecret) CreateChallenge() string { return uuid.NewString() }

// CreateResponse implements [Authenticator].
func (s SharedSecret) CreateResponse(challenge string) string {
	h := hmac.New(sha256.New, s)
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticate implements [Authenticator].
func (s SharedSecret) Authenticate(challenge, response string) bool {
	want := s.CreateResponse(challenge)
	return hmac.Equal([]byte(want), []byte(response))
}

// handshaker exchanges handshake messages over a raw connection. Messages are
// read directly from the connection, so no bytes following the handshake are
// consumed before the read loop takes over.
type handshaker struct {
	nc     net.Conn
	remote string
}

func newHandshaker(ctx context.Context, nc net.Conn, timeout time.Duration) (*handshaker, func()) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	h := &handshaker{nc: nc, remote: addrString(nc.RemoteAddr())}
	return h, func() { stop(); nc.SetDeadline(time.Time{}) }
}

func (h *handshaker) write(token, message string) error {
	if _, err := writePayload(h.nc, HandshakeMessage{Token: token, Message: message}.Encode()); err != nil {
		return h.fail(fmt.Errorf("write %q: %w", token, err))
	}
	return nil
}

// read reads the next handshake message; step names the message expected
// for error reports.
func (h *handshaker) read(step string) (HandshakeMessage, error) {
	var msg HandshakeMessage
	buf, err := readPayload(h.nc, maxHandshakeMessage)
	if err != nil {
		return msg, h.fail(fmt.Errorf("read %s: %w", step, err))
	}
	if err := msg.UnmarshalBinary(buf); err != nil {
		return msg, h.fail(fmt.Errorf("read %s: %w", step, err))
	}
	return msg, nil
}

func (h *handshaker) fail(err error) error { return &HandshakeError{Remote: h.remote, Err: err} }

func (h *handshaker) unexpected(step string, msg HandshakeMessage, want ...string) error {
	return h.fail(fmt.Errorf("unexpected %s message %q (want one of %q)", step, msg.Token, want))
}

// incoming performs the handshake on the accepting side of a connection.
func (h *handshaker) incoming(client, server Authenticator) error {
	if client != nil {
		challenge := client.CreateChallenge()
		if err := h.write(tokAuthRequired, challenge); err != nil {
			return err
		}
		rsp, err := h.read("authentication response")
		if err != nil {
			return err
		} else if rsp.Token != tokAuthResponse {
			return h.unexpected("authentication response", rsp, tokAuthResponse)
		}
		if !client.Authenticate(challenge, rsp.Message) {
			h.write(tokAuthFailed, "")
			return &AuthenticationError{Remote: h.remote, Reason: "remote failed the authentication challenge"}
		}
		if err := h.write(tokAuthSucceeded, ""); err != nil {
			return err
		}
	} else if err := h.write(tokNoAuthRequired, ""); err != nil {
		return err
	}

	msg, err := h.read("authentication challenge")
	if err != nil {
		return err
	}
	switch msg.Token {
	case tokAuthRequired:
		if err := h.answer(server, msg.Message); err != nil {
			return err
		}
	case tokNoAuthRequired:
		// OK
	default:
		return h.unexpected("authentication challenge", msg, tokAuthRequired, tokNoAuthRequired)
	}
	return h.write(tokHandshakeSucceded, "")
}

// outgoing performs the handshake on the dialing side of a connection.
func (h *handshaker) outgoing(client, server Authenticator) error {
	msg, err := h.read("authentication challenge")
	if err != nil {
		return err
	}
	switch msg.Token {
	case tokAuthRequired:
		if err := h.answer(client, msg.Message); err != nil {
			return err
		}
	case tokNoAuthRequired:
		// OK
	case tokEndpointBlocked:
		return &AlreadyConnectedError{Remote: h.remote, Connected: msg.Message}
	default:
		return h.unexpected("authentication challenge", msg, tokAuthRequired, tokNoAuthRequired)
	}

	if server != nil {
		challenge := server.CreateChallenge()
		if err := h.write(tokAuthRequired, challenge); err != nil {
			return err
		}
		rsp, err := h.read("authentication response")
		if err != nil {
			return err
		} else if rsp.Token != tokAuthResponse {
			return h.unexpected("authentication response", rsp, tokAuthResponse)
		}
		if !server.Authenticate(challenge, rsp.Message) {
			h.write(tokAuthFailed, "")
			return &AuthenticationError{Remote: h.remote, Reason: "remote failed the authentication challenge"}
		}
		if err := h.write(tokAuthSucceeded, ""); err != nil {
			return err
		}
	} else if err := h.write(tokNoAuthRequired, ""); err != nil {
		return err
	}

	done, err := h.read("handshake completion")
	if err != nil {
		return err
	} else if done.Token != tokHandshakeSucceded {
		return h.unexpected("handshake completion", done, tokHandshakeSucceded)
	}
	return nil
}

// answer responds to a challenge from the remote using auth, and reads the
// verdict of the remote.
func (h *handshaker) answer(auth Authenticator, challenge string) error {
	if auth == nil {
		return fmt.Errorf("endpoint %s: %w", h.remote, ErrAuthenticationRequired)
	}
	if err := h.write(tokAuthResponse, auth.CreateResponse(challenge)); err != nil {
		return err
	}
	v, err := h.read("authentication verdict")
	if err != nil {
		return err
	}
	switch v.Token {
	case tokAuthSucceeded:
		return nil
	case tokAuthFailed:
		return &AuthenticationError{Remote: h.remote, Reason: "failed to authenticate against remote"}
	default:
		return h.unexpected("authentication verdict", v, tokAuthSucceeded, tokAuthFailed)
	}
}

// block tells a dialing endpoint that this endpoint is already connected to
// connected, then closes the connection.
func (h *handshaker) block(connected string) {
	defer h.nc.Close()
	h.write(tokEndpointBlocked, connected)
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<unknown>"
	}
	return a.String()
}
