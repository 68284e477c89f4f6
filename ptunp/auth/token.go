package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danielpaulus/ptunp/ptunp/frame"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenIssuer is the issuer of tokens created by NewToken
	TokenIssuer = "ptunp"
	// AuthTimeout limits how long the server waits for the client's credentials
	AuthTimeout = 10 * time.Second

	tokenLeeway = 30 * time.Second
	// a JWT signed with HS256 and registered claims is a few hundred bytes
	maxTokenSize = 8 * 1024

	statusAccepted byte = 0
	statusDenied   byte = 1
)

var (
	// ErrTokenInvalid is returned when a token could not be verified
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenDenied is returned to the client when the server did not accept its token
	ErrTokenDenied = errors.New("server denied the token")
)

// NewToken creates a HS256 signed JWT for subject that expires after ttl
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("NewToken: secret must not be empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("NewToken: failed to sign token: %w", err)
	}
	return signed, nil
}

// Token authenticates clients with a JWT signed with a shared secret. The client sends
// the token as a single frame on the first stream it opens, the server answers with one
// status byte and both sides close the stream.
type Token struct {
	secret []byte
	token  string
}

// NewTokenStrategy returns the server side of token authentication
func NewTokenStrategy(secret []byte) *Token {
	return &Token{secret: secret}
}

// NewTokenPresenter returns the client side of token authentication
func NewTokenPresenter(token string) *Token {
	return &Token{token: token}
}

func (*Token) ALPNSuffix() string {
	return "/token"
}

// Authenticate waits up to AuthTimeout for the client's token and verifies it.
func (t *Token) Authenticate(ctx context.Context, conn transport.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("Authenticate: failed to accept auth stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Abort(transport.CodeUnauthorized) })
	defer stop()

	raw, err := frame.NewReader(io.LimitReader(stream, frame.HeaderLength+maxTokenSize)).ReadPacket()
	if err != nil {
		stream.Abort(transport.CodeUnauthorized)
		return fmt.Errorf("Authenticate: failed to read token: %w", err)
	}
	verr := t.Verify(string(raw))
	status := statusAccepted
	if verr != nil {
		status = statusDenied
	}
	if _, err := stream.Write([]byte{status}); err != nil {
		return errors.Join(verr, fmt.Errorf("Authenticate: failed to send status: %w", err))
	}
	_ = stream.Close()
	if verr != nil {
		// the connection is closed once we return, which drops unsent stream data.
		// Wait until the client closed its side after reading the status.
		_, _ = io.Copy(io.Discard, io.LimitReader(stream, maxTokenSize))
	}
	return verr
}

// Verify checks the signature, issuer and expiry of token
func (t *Token) Verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}
	return nil
}

// Present sends the token to the server and waits for its verdict.
func (t *Token) Present(ctx context.Context, conn transport.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("Present: failed to open auth stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Abort(transport.CodeUnauthorized) })
	defer stop()

	if err := frame.NewWriter(stream).WritePacket([]byte(t.token)); err != nil {
		return fmt.Errorf("Present: failed to send token: %w", err)
	}
	status := make([]byte, 1)
	if _, err := io.ReadFull(stream, status); err != nil {
		if appErr, ok := transport.ApplicationCloseError(err); ok && appErr.ErrorCode == transport.CodeUnauthorized {
			return fmt.Errorf("Present: %w: %s", ErrTokenDenied, appErr.ErrorMessage)
		}
		return fmt.Errorf("Present: failed to read status: %w", err)
	}
	_ = stream.Close()
	if status[0] != statusAccepted {
		return ErrTokenDenied
	}
	return nil
}
