package auth

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"time"

	stdjwt "github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const (
	PublicKeyHeader = "-----BEGIN PUBLIC KEY-----"
	PublicKeyFooter = "-----END PUBLIC KEY-----"
)

type Auth interface {
	Kf(token *stdjwt.Token) (interface{}, error)
	KeycloakClaimsFactory() stdjwt.Claims
}

type auth struct {
	keycloakHost     string
	keycloakPort     string
	keycloakProtocol string
	keycloakRealm    string
	client           *http.Client
}

type Roles struct {
	RoleNames []string `json:"roles"`
}

type KeycloakClaims struct {
	Type              string   `json:"typ,omitempty"`
	AuthorizedParty   string   `json:"azp,omitempty"`
	SessionState      string   `json:"session_state,omitempty"`
	AllowedOrigins    []string `json:"allowed-origins,omitempty"`
	RealmAccess       Roles    `json:"realm_access,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	stdjwt.RegisteredClaims
}

var (
	errBadKey              = errors.New("unexpected JWT key signing method")
	errBadPublicKeyRequest = errors.New("error verifying token")
)

type KeycloakPublic struct {
	Realm           string `json:"realm"`
	PublicKey       string `json:"public_key"`
	TokenService    string `json:"token-service"`
	AccountService  string `json:"account-service"`
	TokensNotBefore int    `json:"tokens-not-before"`
}

// NewAuth verifies tokens against the realm public key published by Keycloak.
// caPool may be nil to use the system roots.
func NewAuth(keycloakHost string, keycloakPort string, keycloakProtocol string, keycloakRealm string, caPool *x509.CertPool) Auth {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: caPool, MinVersion: tls.VersionTLS12},
		},
	}
	return &auth{keycloakHost: keycloakHost, keycloakPort: keycloakPort, keycloakProtocol: keycloakProtocol, keycloakRealm: keycloakRealm, client: client}
}

func (a *auth) KeycloakClaimsFactory() stdjwt.Claims {
	return &KeycloakClaims{}
}

func (a *auth) Kf(token *stdjwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*stdjwt.SigningMethodRSA); !ok {
		return nil, errBadKey
	}

	keycloakURL := a.keycloakProtocol + "://" + a.keycloakHost + ":" + a.keycloakPort + "/auth/realms/" + a.keycloakRealm
	r, err := a.client.Get(keycloakURL)
	if err != nil {
		return nil, errors.Wrap(errBadPublicKeyRequest, err.Error())
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errBadPublicKeyRequest, "realm endpoint answered %d", r.StatusCode)
	}

	var keyPublic KeycloakPublic
	if err := json.NewDecoder(r.Body).Decode(&keyPublic); err != nil {
		return nil, err
	}
	return ParseKeycloakPublicKey([]byte(PublicKeyHeader + "\n" + keyPublic.PublicKey + "\n" + PublicKeyFooter))
}

func ParseKeycloakPublicKey(data []byte) (*rsa.PublicKey, error) {
	pubPem, _ := pem.Decode(data)
	if pubPem == nil {
		return nil, errors.New("unable to decode public key PEM")
	}
	parsedKey, err := x509.ParsePKIXPublicKey(pubPem.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse public key")
	}
	pubKey, ok := parsedKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unexpected public key type %T", parsedKey)
	}
	return pubKey, nil
}
