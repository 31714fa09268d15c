// Command vacctl is the operator tool for the VAC sidecar: it generates
// root keypairs, mints root and delegation credentials for testing and
// onboarding, and inspects tokens without needing a running sidecar.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certainly-param/vac-protocol/pkg/credential"
)

var errBadPrivateKey = errors.New("-priv must be a 64-byte hex ed25519 private key")
var errBadPublicKey = errors.New("-pub must be a 32-byte hex ed25519 public key")

func exitCodeFor(err error) int {
	if errors.Is(err, errBadPrivateKey) || errors.Is(err, errBadPublicKey) {
		return 2
	}
	return 1
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "keygen":
		return cmdKeygen(args[1:])
	case "mint":
		return cmdMint(args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "identifier":
		return cmdIdentifier(args[1:])
	case "verify-receipt":
		return cmdVerifyReceipt(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "vacctl: unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `vacctl - operator tool for the VAC sidecar

Usage:
  vacctl keygen
  vacctl mint -priv <hex> -depth <n> [-fact name=arg1,arg2]... [-adapter <hex>] [-ttl <duration>]
  vacctl inspect <token>
  vacctl identifier <token>
  vacctl verify-receipt -pub <hex> <receipt>`)
}

func cmdKeygen(args []string) int {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: keygen: %v\n", err)
		return 1
	}
	fmt.Printf("public:  %s\n", hex.EncodeToString(pub))
	fmt.Printf("private: %s\n", hex.EncodeToString(priv))
	return 0
}

type factFlags []credential.VACFact

func (f *factFlags) String() string { return "" }

func (f *factFlags) Set(value string) error {
	name, rest, _ := strings.Cut(value, "=")
	fact := credential.VACFact{Fact: name}
	for _, a := range strings.Split(rest, ",") {
		if a != "" {
			fact.Args = append(fact.Args, a)
		}
	}
	*f = append(*f, fact)
	return nil
}

func cmdMint(args []string) int {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	privHex := fs.String("priv", "", "hex-encoded ed25519 root private key (required)")
	depth := fs.Int("depth", 0, "delegation depth this credential declares")
	adapter := fs.String("adapter", "", "hex-encoded adapter content fingerprint to pin")
	ttl := fs.Duration("ttl", 0, "optional expiry; zero means no expiry")
	var facts factFlags
	fs.Var(&facts, "fact", "a fact to attach, as name=arg1,arg2 (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *privHex == "" {
		fmt.Fprintln(os.Stderr, "vacctl: mint: -priv is required")
		return 2
	}

	signed, err := mintToken(*privHex, *depth, *adapter, facts, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: mint: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Println(signed)
	return 0
}

// mintToken signs a root credential under privHex, the hex-encoded ed25519
// private key of the party minting it. depth and adapter become the
// credential's declared delegation depth and pinned adapter fingerprint;
// ttl of zero means no expiry.
func mintToken(privHex string, depth int, adapter string, facts []credential.VACFact, ttl time.Duration) (string, error) {
	privBytes, err := hex.DecodeString(privHex)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return "", errBadPrivateKey
	}
	priv := ed25519.PrivateKey(privBytes)

	now := time.Now()
	claims := credential.RootClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		Depth:              depth,
		AdapterFingerprint: adapter,
		Facts:              facts,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}

func cmdInspect(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "vacctl: inspect: expected exactly one token argument")
		return 2
	}
	claims := &credential.RootClaims{}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(args[0], claims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: inspect: malformed token: %v\n", err)
		return 1
	}

	out := map[string]any{
		"header": token.Header,
		"claims": claims,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return encodeOrFail(enc, out)
}

func cmdIdentifier(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "vacctl: identifier: expected exactly one token argument")
		return 2
	}
	id, err := credential.IdentifierFromToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: identifier: %v\n", err)
		return 1
	}
	fmt.Println(hex.EncodeToString(id[:]))
	return 0
}

// cmdVerifyReceipt checks a receipt's signature against a published
// session public key with no network access and no live sidecar state:
// only the EdDSA primitive and the wire format are trusted.
func cmdVerifyReceipt(args []string) int {
	fs := flag.NewFlagSet("verify-receipt", flag.ContinueOnError)
	pubHex := fs.String("pub", "", "hex-encoded ed25519 session public key (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "vacctl: verify-receipt: expected exactly one receipt argument")
		return 2
	}
	if *pubHex == "" {
		fmt.Fprintln(os.Stderr, "vacctl: verify-receipt: -pub is required")
		return 2
	}

	claims, err := verifyReceiptOffline(*pubHex, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: verify-receipt: %v\n", err)
		return exitCodeFor(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return encodeOrFail(enc, claims)
}

// verifyReceiptOffline decodes pubHex and checks receipt against it.
func verifyReceiptOffline(pubHex, receipt string) (*credential.ReceiptClaims, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, errBadPublicKey
	}
	return credential.VerifyReceiptOffline(receipt, ed25519.PublicKey(pubBytes))
}

func encodeOrFail(enc *json.Encoder, v any) int {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "vacctl: %v\n", err)
		return 1
	}
	return 0
}
