// Package auth gates the dashboard behind a remote account check and
// in-memory sessions.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/beacon.report/internal/httputil"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Account identifies an authenticated user.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Authenticator checks an identity and password.
type Authenticator interface {
	Authenticate(ctx context.Context, identity, password string) (Account, error)
}

// PocketBase authenticates against a PocketBase users collection.
type PocketBase struct {
	endpoint string
	client   httputil.HTTPClient
}

// NewPocketBase returns an Authenticator for the PocketBase server at
// baseURL, e.g. http://127.0.0.1:8090.
func NewPocketBase(baseURL string, client httputil.HTTPClient) (*PocketBase, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("auth: invalid PocketBase url %q", baseURL)
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &PocketBase{
		endpoint: u.String() + "/api/collections/users/auth-with-password",
		client:   client,
	}, nil
}

type pbAuthRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type pbAuthResponse struct {
	Token  string `json:"token"`
	Record struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"record"`
}

func (p *PocketBase) Authenticate(ctx context.Context, identity, password string) (Account, error) {
	if identity == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}
	var resp pbAuthResponse
	err := httputil.PostJSON(ctx, p.client, p.endpoint, pbAuthRequest{Identity: identity, Password: password}, &resp)
	var se *httputil.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, fmt.Errorf("auth: %w", err)
	}
	if resp.Token == "" {
		return Account{}, ErrInvalidCredentials
	}
	email := resp.Record.Email
	if email == "" {
		email = identity
	}
	return Account{ID: resp.Record.ID, Email: email}, nil
}

// Static accepts a single configured identity. It is meant for
// installations without a PocketBase server.
type Static struct {
	Identity string
	Password string
}

func (s Static) Authenticate(_ context.Context, identity, password string) (Account, error) {
	if s.Identity == "" {
		return Account{}, ErrInvalidCredentials
	}
	idOK := subtle.ConstantTimeCompare([]byte(identity), []byte(s.Identity))
	pwOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.Password))
	if idOK&pwOK != 1 {
		return Account{}, ErrInvalidCredentials
	}
	return Account{ID: "static", Email: s.Identity}, nil
}

// credentials reads identity and password from a JSON body or a form.
func credentials(r *http.Request) (identity, password string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Identity string `json:"identity"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return "", "", err
		}
		if body.Identity == "" {
			body.Identity = body.Email
		}
		return strings.TrimSpace(body.Identity), body.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	identity = r.PostFormValue("identity")
	if identity == "" {
		identity = r.PostFormValue("email")
	}
	return strings.TrimSpace(identity), r.PostFormValue("password"), nil
}

const maxLoginBody = 1 << 16

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxLoginBody))
	return dec.Decode(v)
}
