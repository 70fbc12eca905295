package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

// AddressPrefix is the human-readable part of a bech32 party address.
type AddressPrefix string

// EscrowPrefix tags every client and freelancer address.
const EscrowPrefix AddressPrefix = "esc"

// AddressLength is the size of a raw party address.
const AddressLength = 20

var (
	ErrEmptyAddress   = errors.New("crypto: address required")
	ErrAddressPrefix  = errors.New("crypto: unexpected address prefix")
	ErrAddressLength  = errors.New("crypto: address must be 20 bytes")
	ErrZeroAddress    = errors.New("crypto: zero address")
	zeroAddressBuffer [AddressLength]byte
)

// Address is a 20-byte party identifier rendered as bech32.
type Address struct {
	prefix AddressPrefix
	raw    [AddressLength]byte
}

// NewAddress wraps raw bytes. It panics on a wrong length since callers always
// pass hashes or decoded values of known size.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// FromRaw builds an escrow address from a fixed array.
func FromRaw(raw [AddressLength]byte) Address {
	return Address{prefix: EscrowPrefix, raw: raw}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.raw[:])
	return out
}

// Raw returns the address as a fixed array.
func (a Address) Raw() [AddressLength]byte { return a.raw }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// IsZero reports whether every address byte is zero.
func (a Address) IsZero() bool { return a.raw == zeroAddressBuffer }

// DecodeAddress parses a bech32 address of any prefix.
func DecodeAddress(addrStr string) (Address, error) {
	normalized := norm.NFKC.String(strings.ToLower(strings.TrimSpace(addrStr)))
	if normalized == "" {
		return Address{}, ErrEmptyAddress
	}
	prefix, decoded, err := bech32.Decode(normalized)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, ErrAddressLength
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseEscrowAddress decodes an address and requires the escrow prefix and a
// non-zero body.
func ParseEscrowAddress(addrStr string) (Address, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return Address{}, err
	}
	if addr.prefix != EscrowPrefix {
		return Address{}, fmt.Errorf("%w: %q", ErrAddressPrefix, addr.prefix)
	}
	if addr.IsZero() {
		return Address{}, ErrZeroAddress
	}
	return addr, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the escrow party address from the public key.
func (k *PublicKey) Address() Address {
	return NewAddress(EscrowPrefix, ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
