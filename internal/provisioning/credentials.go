// credentials.go derives deterministic database/role naming from a record's
// slug and generates the random role passwords.
package provisioning

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Kind distinguishes the two ownership levels sharing the provisioning engine.
type Kind string

// Record kinds.
const (
	KindTenant   Kind = "tenant"
	KindPlatform Kind = "platform"
)

// Environments, in provisioning order. Each gets its own role and schema.
var environments = []string{"sand", "prod", "log"}

// Record carries everything the engine needs about the owning row, with the
// role passwords in plaintext. It is assembled by the service layer from the
// decrypted model and never persisted itself.
type Record struct {
	Kind   Kind
	ID     int64
	Slug   string
	DBName string

	SandUser     string
	SandPassword string
	ProdUser     string
	ProdPassword string
	LogUser      string
	LogPassword  string
}

// connName returns the registry name for one of this record's provisioning
// working connections. Names are namespaced by kind and record ID so two
// concurrent provisioning runs can never collide in the registry.
func (r Record) connName(env string) string {
	return fmt.Sprintf("provision_%s_%d_%s", r.Kind, r.ID, env)
}

func (r Record) user(env string) string {
	switch env {
	case "sand":
		return r.SandUser
	case "prod":
		return r.ProdUser
	default:
		return r.LogUser
	}
}

func (r Record) password(env string) string {
	switch env {
	case "sand":
		return r.SandPassword
	case "prod":
		return r.ProdPassword
	default:
		return r.LogPassword
	}
}

// DeriveDBName maps a slug to its database name: hyphens become underscores.
// Re-applying the derivation to an already-derived name is a no-op.
func DeriveDBName(slug string) string {
	return strings.ReplaceAll(slug, "-", "_")
}

// RoleName derives the role name for one environment of a db_name.
func RoleName(env, dbName string) string {
	return env + "_" + dbName
}

// Slugify turns a display name into a URL-safe slug: lowercase, runs of
// non-alphanumerics collapsed to single hyphens, no leading/trailing hyphen.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// passwordAlphabet matches the generator of the original platform: mixed-case
// alphanumerics only, which also keeps the value safe inside a single-quoted
// SQL literal.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomPassword returns a cryptographically random password of length n.
func RandomPassword(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// GenerateCredentials fills the derivable and random fields of a record that
// are still empty: db_name from the slug, role names from db_name, and a
// random password per environment. Populated fields are left untouched, so
// the generator is safe to re-invoke on retry.
func GenerateCredentials(r *Record, passwordLength int) error {
	if r.Slug == "" {
		return fmt.Errorf("cannot generate credentials without a slug")
	}
	if r.DBName == "" {
		r.DBName = DeriveDBName(r.Slug)
	}

	if r.SandUser == "" {
		r.SandUser = RoleName("sand", r.DBName)
	}
	if r.ProdUser == "" {
		r.ProdUser = RoleName("prod", r.DBName)
	}
	if r.LogUser == "" {
		r.LogUser = RoleName("log", r.DBName)
	}

	if r.SandPassword == "" {
		pw, err := RandomPassword(passwordLength)
		if err != nil {
			return err
		}
		r.SandPassword = pw
	}
	if r.ProdPassword == "" {
		pw, err := RandomPassword(passwordLength)
		if err != nil {
			return err
		}
		r.ProdPassword = pw
	}
	if r.LogPassword == "" {
		pw, err := RandomPassword(passwordLength)
		if err != nil {
			return err
		}
		r.LogPassword = pw
	}

	return nil
}
