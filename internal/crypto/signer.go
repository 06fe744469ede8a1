package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Typed-data hashes for the messages a trader authorises.
var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	guaranteeTypeHash = ethcrypto.Keccak256(
		[]byte("GuaranteeRequest(address trader,address recipient,uint256 amount,bytes32 asset,uint256 window,uint256 nonce)"),
	)
	paymentTypeHash = ethcrypto.Keccak256(
		[]byte("TabPayment(bytes32 tabId,uint256 reqId,uint256 amount,address recipient,bytes32 asset)"),
	)
	certificateTypeHash = ethcrypto.Keccak256(
		[]byte("Certificate(bytes32 tabId,uint256 reqId,address trader,address recipient,uint256 amount,bytes32 asset,uint256 expiry)"),
	)
)

const (
	domainName    = "TabSettleGuarantee"
	domainVersion = "1"
)

// GuaranteeAuth is the trader's authorisation to lock collateral.
type GuaranteeAuth struct {
	Trader        string
	Recipient     string
	Amount        int64
	Asset         string
	WindowSeconds int64
	Nonce         uint64
}

// PaymentAuth is the trader's authorisation to pay a tab.
type PaymentAuth struct {
	TabID     string
	ReqID     uint64
	Amount    int64
	Recipient string
	Asset     string
}

// CertificateClaim is what the guarantee service attests when it issues a
// guarantee.
type CertificateClaim struct {
	TabID     string
	ReqID     uint64
	Trader    string
	Recipient string
	Amount    int64
	Asset     string
	Expiry    int64
}

// Signer signs typed messages with a secp256k1 key.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domainSep []byte
}

// NewSigner creates a Signer for the given chain id.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		key:       pk,
		address:   ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep: DomainSeparator(chainID),
	}, nil
}

// GenerateKey returns a fresh random key as hex.
func GenerateKey() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address { return s.address }

// SignGuarantee signs a GuaranteeAuth.
func (s *Signer) SignGuarantee(a GuaranteeAuth) (string, error) {
	return s.sign(guaranteeStructHash(a))
}

// SignPayment signs a PaymentAuth.
func (s *Signer) SignPayment(a PaymentAuth) (string, error) {
	return s.sign(paymentStructHash(a))
}

// SignCertificate signs a CertificateClaim.
func (s *Signer) SignCertificate(c CertificateClaim) (string, error) {
	return s.sign(certificateStructHash(c))
}

// CertificateDigest is the hex digest a certificate signature covers. It
// doubles as the certificate identifier.
func CertificateDigest(chainID int64, c CertificateClaim) string {
	return "0x" + hex.EncodeToString(typedDigest(DomainSeparator(chainID), certificateStructHash(c)))
}

// RecoverGuarantee returns the address that signed a.
func RecoverGuarantee(chainID int64, a GuaranteeAuth, sig string) (common.Address, error) {
	return recoverAddress(typedDigest(DomainSeparator(chainID), guaranteeStructHash(a)), sig)
}

// RecoverPayment returns the address that signed a.
func RecoverPayment(chainID int64, a PaymentAuth, sig string) (common.Address, error) {
	return recoverAddress(typedDigest(DomainSeparator(chainID), paymentStructHash(a)), sig)
}

// RecoverCertificate returns the address that signed c.
func RecoverCertificate(chainID int64, c CertificateClaim, sig string) (common.Address, error) {
	return recoverAddress(typedDigest(DomainSeparator(chainID), certificateStructHash(c)), sig)
}

// DomainSeparator is keccak256(abi.encode(typeHash, name, version, chainId)).
func DomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(domainName)),
		ethcrypto.Keccak256([]byte(domainVersion)),
		uint256(big.NewInt(chainID)),
	))
}

func guaranteeStructHash(a GuaranteeAuth) []byte {
	return ethcrypto.Keccak256(concatBytes(
		guaranteeTypeHash,
		address32(a.Trader),
		address32(a.Recipient),
		uint256(big.NewInt(a.Amount)),
		ethcrypto.Keccak256([]byte(a.Asset)),
		uint256(big.NewInt(a.WindowSeconds)),
		uint256(new(big.Int).SetUint64(a.Nonce)),
	))
}

func paymentStructHash(a PaymentAuth) []byte {
	return ethcrypto.Keccak256(concatBytes(
		paymentTypeHash,
		ethcrypto.Keccak256([]byte(a.TabID)),
		uint256(new(big.Int).SetUint64(a.ReqID)),
		uint256(big.NewInt(a.Amount)),
		address32(a.Recipient),
		ethcrypto.Keccak256([]byte(a.Asset)),
	))
}

func certificateStructHash(c CertificateClaim) []byte {
	return ethcrypto.Keccak256(concatBytes(
		certificateTypeHash,
		ethcrypto.Keccak256([]byte(c.TabID)),
		uint256(new(big.Int).SetUint64(c.ReqID)),
		address32(c.Trader),
		address32(c.Recipient),
		uint256(big.NewInt(c.Amount)),
		ethcrypto.Keccak256([]byte(c.Asset)),
		uint256(big.NewInt(c.Expiry)),
	))
}

// typedDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func typedDigest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// sign returns the 65-byte r||s||v signature as 0x hex, v in {27,28}.
func (s *Signer) sign(structHash []byte) (string, error) {
	sig, err := ethcrypto.Sign(typedDigest(s.domainSep, structHash), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func recoverAddress(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("crypto/signer: signature must be 65 bytes")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func address32(addr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)
}

func uint256(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
