package streaming

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Auth chain link types.
const (
	LinkSigner            = "SIGNER"
	LinkEphemeral         = "ECDSA_EPHEMERAL"
	LinkSignedEntity      = "ECDSA_SIGNED_ENTITY"
	authChainHeaderPrefix = "x-identity-auth-chain-"
	timestampHeader       = "x-identity-timestamp"
)

// ErrInvalidSignerConfig is returned when the signing identity is incomplete.
var ErrInvalidSignerConfig = errors.New("invalid auth chain signer configuration")

// AuthLink is one element of a signed-fetch auth chain.
type AuthLink struct {
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// SignerConfig is the delegated identity used to sign requests.
type SignerConfig struct {
	// OwnerAddress is the account that delegated to the ephemeral key.
	OwnerAddress string
	// EphemeralPrivateKey is the hex-encoded secp256k1 key, with or without 0x.
	EphemeralPrivateKey string
	// DelegationSignature is the owner's signature over the ephemeral payload.
	DelegationSignature string
	// Expiration is the delegation expiry as written in the ephemeral payload.
	Expiration string
}

// Signer builds signed-fetch auth chains.
type Signer struct {
	owner            string
	key              *ecdsa.PrivateKey
	ephemeralAddress string
	ephemeralPayload string
	delegationSig    string
}

// NewSigner parses the ephemeral key and prepares the delegation payload.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.OwnerAddress == "" || cfg.EphemeralPrivateKey == "" || cfg.DelegationSignature == "" || cfg.Expiration == "" {
		return nil, ErrInvalidSignerConfig
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.EphemeralPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignerConfig, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return &Signer{
		owner:            cfg.OwnerAddress,
		key:              key,
		ephemeralAddress: addr,
		ephemeralPayload: EphemeralPayload(addr, cfg.Expiration),
		delegationSig:    cfg.DelegationSignature,
	}, nil
}

// EphemeralPayload returns the login message that delegates to an ephemeral address.
func EphemeralPayload(address, expiration string) string {
	return "Decentraland Login\nEphemeral address: " + address + "\nExpiration: " + expiration
}

// FormatExpiration renders t the way ephemeral payloads expect it.
func FormatExpiration(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EphemeralAddress returns the checksummed address of the ephemeral key.
func (s *Signer) EphemeralAddress() string {
	return s.ephemeralAddress
}

// Chain builds the auth chain for a request. method is lower-case ("put",
// "delete") and path is the URL path; timestamp is unix milliseconds.
func (s *Signer) Chain(method, path string, timestamp int64) ([]AuthLink, error) {
	payload := method + ":" + path + ":" + strconv.FormatInt(timestamp, 10) + ":"
	sig, err := PersonalSign(s.key, payload)
	if err != nil {
		return nil, err
	}
	return []AuthLink{
		{Type: LinkSigner, Payload: s.owner, Signature: ""},
		{Type: LinkEphemeral, Payload: s.ephemeralPayload, Signature: s.delegationSig},
		{Type: LinkSignedEntity, Payload: payload, Signature: sig},
	}, nil
}

// Sign adds the auth chain headers for method and path to h.
func (s *Signer) Sign(h http.Header, method, path string, timestamp int64) error {
	chain, err := s.Chain(method, path, timestamp)
	if err != nil {
		return err
	}
	for i, link := range chain {
		data, err := json.Marshal(link)
		if err != nil {
			return fmt.Errorf("marshal auth link %d: %w", i, err)
		}
		h.Set(authChainHeaderPrefix+strconv.Itoa(i), string(data))
	}
	h.Set(timestampHeader, strconv.FormatInt(timestamp, 10))
	return nil
}

// PersonalSign signs msg with the Ethereum personal-message prefix and returns
// the 65-byte signature as 0x-prefixed hex with v in {27, 28}.
func PersonalSign(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
