// Command tokengen mints signed bearer tokens for exercising the
// gateway. It is a development tool: key material comes from flags or
// the environment, and the compact token is printed to stdout.
package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// claimList collects repeatable -claim key=value flags.
type claimList []string

func (c *claimList) String() string { return strings.Join(*c, ",") }

func (c *claimList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("claim must be key=value, got %q", v)
	}
	*c = append(*c, v)
	return nil
}

type mintOptions struct {
	subject   string
	issuer    string
	audience  string
	ttl       time.Duration
	algorithm string
	secret    string
	secretEnv string
	keyFile   string
	claims    claimList
}

func main() {
	var opts mintOptions

	flag.StringVar(&opts.subject, "subject", "", "Token subject (sub claim)")
	flag.StringVar(&opts.issuer, "issuer", "", "Token issuer (iss claim)")
	flag.StringVar(&opts.audience, "audience", "", "Token audience (aud claim)")
	flag.DurationVar(&opts.ttl, "ttl", time.Hour, "Token lifetime")
	flag.StringVar(&opts.algorithm, "alg", "HS256", "Signature algorithm (HS256/384/512, RS256/384/512, ES256/384/512)")
	flag.StringVar(&opts.secret, "secret", "", "HMAC secret for HS* algorithms")
	flag.StringVar(&opts.secretEnv, "secret-env", "", "Environment variable holding the HMAC secret")
	flag.StringVar(&opts.keyFile, "key-file", "", "PEM-encoded private key file for RS*/ES* algorithms")
	flag.Var(&opts.claims, "claim", "Extra claim as key=value (repeatable)")
	flag.Parse()

	token, err := mint(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

// mint builds and signs a token from the options.
func mint(opts mintOptions) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(opts.ttl))

	if opts.subject != "" {
		builder = builder.Subject(opts.subject)
	}
	if opts.issuer != "" {
		builder = builder.Issuer(opts.issuer)
	}
	if opts.audience != "" {
		builder = builder.Audience([]string{opts.audience})
	}
	for _, claim := range opts.claims {
		key, value, _ := strings.Cut(claim, "=")
		builder = builder.Claim(key, value)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	alg, key, err := signingKey(opts)
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// signingKey resolves the private key material for the chosen algorithm.
func signingKey(opts mintOptions) (jwa.SignatureAlgorithm, any, error) {
	alg := jwa.SignatureAlgorithm(opts.algorithm)

	switch opts.algorithm {
	case "HS256", "HS384", "HS512":
		secret := opts.secret
		if secret == "" && opts.secretEnv != "" {
			secret = os.Getenv(opts.secretEnv)
		}
		if secret == "" {
			return alg, nil, fmt.Errorf("HMAC algorithms need -secret or -secret-env")
		}
		return alg, []byte(secret), nil

	case "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
		if opts.keyFile == "" {
			return alg, nil, fmt.Errorf("%s needs -key-file with a PEM private key", opts.algorithm)
		}
		raw, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return alg, nil, fmt.Errorf("read key file: %w", err)
		}
		key, err := parsePrivateKey(raw, strings.HasPrefix(opts.algorithm, "RS"))
		if err != nil {
			return alg, nil, err
		}
		return alg, key, nil

	default:
		return alg, nil, fmt.Errorf("unsupported algorithm %q", opts.algorithm)
	}
}

// parsePrivateKey decodes a PEM private key in PKCS#8, PKCS#1, or SEC 1
// form and checks it matches the algorithm family.
func parsePrivateKey(pemBytes []byte, wantRSA bool) (any, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key file")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return checkKeyFamily(key, wantRSA)
	}

	if wantRSA {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse RSA private key: %w", err)
		}
		return key, nil
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}
	return key, nil
}

func checkKeyFamily(key any, wantRSA bool) (any, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if !wantRSA {
			return nil, fmt.Errorf("key file holds an RSA key but the algorithm is ECDSA")
		}
		return k, nil
	case *ecdsa.PrivateKey:
		if wantRSA {
			return nil, fmt.Errorf("key file holds an ECDSA key but the algorithm is RSA")
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}
