package gsa

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/awnumar/memguard"
)

// RFC 5054 2048-bit group, generator 2.
const srpPrimeHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

// srpEphemeralLen is the size of the client's private ephemeral value.
const srpEphemeralLen = 32

var (
	srpN = mustParseHex(srpPrimeHex)
	srpG = big.NewInt(2)

	// srpNLen is the byte length values are padded to for u and k.
	srpNLen = (srpN.BitLen() + 7) / 8
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("gsa: invalid SRP prime")
	}

	return n
}

// SRPGroup returns copies of the group prime and generator.
func SRPGroup() (n, g *big.Int) {
	return new(big.Int).Set(srpN), new(big.Int).Set(srpG)
}

// srpClient holds one handshake's ephemeral key pair. It must be
// destroyed once the handshake finishes, whatever the outcome.
type srpClient struct {
	a   *big.Int
	pub []byte
}

func newSRPClient(r io.Reader) (*srpClient, error) {
	buf := make([]byte, srpEphemeralLen)
	defer memguard.WipeBytes(buf)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("generating SRP ephemeral: %w", err)
	}

	a := new(big.Int).SetBytes(buf)
	A := new(big.Int).Exp(srpG, a, srpN)

	return &srpClient{a: a, pub: A.Bytes()}, nil
}

// publicKey returns A as minimal big-endian bytes.
func (c *srpClient) publicKey() []byte {
	return c.pub
}

func (c *srpClient) destroy() {
	if c == nil || c.a == nil {
		return
	}

	wipeInt(c.a)
	c.a = nil
}

// srpProof is the client side of a completed computation: the proof to
// send, the proof expected back, and the shared key K locked in memory.
type srpProof struct {
	m1  []byte
	m2  []byte
	key *memguard.LockedBuffer
}

// process computes the shared key and both proofs from the server
// challenge. passwordKey is the stretched password from PasswordKey.
//
//	k  = H(N | PAD(g))
//	u  = H(PAD(A) | PAD(B))
//	x  = H(s | H(":" | P))
//	S  = (B - k*g^x) ^ (a + u*x) mod N
//	K  = H(S)
//	M1 = H(H(N) xor H(g) | H(I) | s | A | B | K)
//	M2 = H(A | M1 | K)
func (c *srpClient) process(username string, passwordKey, salt, serverPub []byte) (*srpProof, error) {
	if c.a == nil {
		return nil, errors.New("SRP client already destroyed")
	}

	B := new(big.Int).SetBytes(serverPub)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New("invalid server public value")}
	}

	bBytes := B.Bytes()

	u := hashInt(pad(c.pub), pad(bBytes))
	if u.Sign() == 0 {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New("invalid scrambling parameter")}
	}

	k := hashInt(srpN.Bytes(), pad(srpG.Bytes()))

	inner := sha256.New()
	inner.Write([]byte(":"))
	inner.Write(passwordKey)
	innerSum := inner.Sum(nil)
	defer memguard.WipeBytes(innerSum)

	x := hashInt(salt, innerSum)
	defer wipeInt(x)

	v := new(big.Int).Exp(srpG, x, srpN)
	defer wipeInt(v)

	base := new(big.Int).Mul(k, v)
	base.Sub(B, base)
	base.Mod(base, srpN)
	defer wipeInt(base)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	defer wipeInt(exp)

	S := new(big.Int).Exp(base, exp, srpN)
	defer wipeInt(S)

	sBytes := S.Bytes()
	defer memguard.WipeBytes(sBytes)

	K := sha256.Sum256(sBytes)

	hN := sha256.Sum256(srpN.Bytes())
	hG := sha256.Sum256(srpG.Bytes())

	var xorNG [sha256.Size]byte
	for i := range xorNG {
		xorNG[i] = hN[i] ^ hG[i]
	}

	hI := sha256.Sum256([]byte(username))

	m1 := hashBytes(xorNG[:], hI[:], salt, c.pub, bBytes, K[:])
	m2 := hashBytes(c.pub, m1, K[:])

	return &srpProof{
		m1:  m1,
		m2:  m2,
		key: memguard.NewBufferFromBytes(K[:]),
	}, nil
}

// verify checks the server proof. On success the shared key moves into
// the returned verifiedKey; on mismatch it is destroyed immediately.
func (p *srpProof) verify(serverProof []byte) (*verifiedKey, error) {
	if p.key == nil {
		return nil, errors.New("SRP proof already consumed")
	}

	if subtle.ConstantTimeCompare(p.m2, serverProof) != 1 {
		p.destroy()
		return nil, &apperrors.AuthProofError{Step: "server proof", Err: errors.New("server proof mismatch")}
	}

	vk := &verifiedKey{key: p.key}
	p.key = nil

	return vk, nil
}

func (p *srpProof) destroy() {
	if p == nil || p.key == nil {
		return
	}

	p.key.Destroy()
	p.key = nil
}

// verifiedKey is a shared key whose server proof has been checked. It is
// the only path to the spd decryption keys.
type verifiedKey struct {
	key *memguard.LockedBuffer
}

// decryptExtraData decrypts the spd payload from the complete response.
func (v *verifiedKey) decryptExtraData(ciphertext []byte) ([]byte, error) {
	encKey := DeriveKey(v.key.Bytes(), ExtraDataKeyLabel)
	defer memguard.WipeBytes(encKey)

	ivFull := DeriveKey(v.key.Bytes(), ExtraDataIVLabel)
	defer memguard.WipeBytes(ivFull)

	return DecryptCBC(encKey[:cbcKeyLen], ivFull[:cbcIVLen], ciphertext)
}

func (v *verifiedKey) destroy() {
	if v == nil || v.key == nil {
		return
	}

	v.key.Destroy()
	v.key = nil
}

func pad(b []byte) []byte {
	if len(b) >= srpNLen {
		return b
	}

	out := make([]byte, srpNLen)
	copy(out[srpNLen-len(b):], b)

	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

// wipeInt zeroes the limbs backing n before resetting it.
func wipeInt(n *big.Int) {
	if n == nil {
		return
	}

	words := n.Bits()
	for i := range words {
		words[i] = 0
	}

	n.SetInt64(0)
}
