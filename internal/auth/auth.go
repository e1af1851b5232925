package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/commandpost/decision-impact/internal/config"
)

// Verifier authenticates reviewer actions (close, root-cause, learnings).
// Reviewer tokens are JWTs signed by the command-post identity provider;
// the verifier checks the signature against the configured public keys and
// requires the write scope.
type Verifier struct {
	cfg  config.Config
	keys []interface{} // *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey
}

func NewVerifier(cfg config.Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.ReviewerKeysFile != "" {
		if err := v.loadKeys(cfg.ReviewerKeysFile); err != nil {
			return nil, fmt.Errorf("load reviewer keys: %w", err)
		}
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue // skip unknown blocks
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid keys found in %s", path)
	}
	v.keys = keys
	return nil
}

// VerifyRequest checks a reviewer request: debug-token bypass in dev, then a
// Bearer token carrying the reviewer write scope.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if v.cfg.AllowDebugToken {
		if token := r.Header.Get("X-Debug-Token"); token != "" && token == v.cfg.DebugToken {
			return nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return errors.New("authentication required: reviewer bearer token")
}

func (v *Verifier) verifyToken(tokenStr string) error {
	if len(v.keys) == 0 {
		return errors.New("no reviewer keys configured")
	}

	var err error
	var token *jwt.Token
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}

	if scope, ok := claims["scope"].(string); ok {
		if !strings.Contains(scope, v.cfg.ReviewerWriteScope) {
			return errors.New("missing required scope")
		}
		return nil
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.cfg.ReviewerWriteScope {
				return nil
			}
		}
		return errors.New("missing required scope in roles")
	}
	return errors.New("missing scope/roles")
}
