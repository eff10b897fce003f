package crypto

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func newTestCipher(t testing.TB, secret int64) *SessionCipher {
	t.Helper()
	c := NewSessionCipher()
	if err := c.DeriveKey(big.NewInt(secret)); err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	return c
}

func TestEncryptDecrypt_AllLengths(t *testing.T) {
	c := newTestCipher(t, 731)
	defer c.Destroy()

	for n := 0; n <= MaxPlaintextSize; n++ {
		msg := bytes.Repeat([]byte{'a' + byte(n%26)}, n)

		ct, err := c.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt(len=%d) error = %v", n, err)
		}
		if len(ct)%BlockSize != 0 {
			t.Fatalf("Encrypt(len=%d) size %d not a multiple of %d", n, len(ct), BlockSize)
		}
		if len(ct) > MaxCiphertextSize {
			t.Fatalf("Encrypt(len=%d) size %d exceeds %d", n, len(ct), MaxCiphertextSize)
		}

		pt, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(len=%d) error = %v", n, err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("round trip len=%d: got %q, want %q", n, pt, msg)
		}
	}
}

func TestDecrypt_BufferPadding(t *testing.T) {
	c := newTestCipher(t, 42)
	defer c.Destroy()

	messages := []string{
		"",
		"hi",
		"Username granted!",
		"Username taken!\nEnter username: ",
		strings.Repeat("x", MaxPlaintextSize),
	}

	for _, msg := range messages {
		ct, err := c.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", msg, err)
		}

		// Simulate a fixed 1024-byte receive buffer.
		buf := make([]byte, 1024)
		copy(buf, ct)

		pt, err := c.Decrypt(buf)
		if err != nil {
			t.Fatalf("Decrypt(%q) error = %v", msg, err)
		}
		if string(pt) != msg {
			t.Errorf("Decrypt() = %q, want %q", pt, msg)
		}
	}
}

func TestDecrypt_CiphertextEndingInZeros(t *testing.T) {
	c := newTestCipher(t, 17)
	defer c.Destroy()

	// Search for a plaintext whose ciphertext ends in a zero byte so the
	// buffer-trimming path has to restore it.
	for i := 0; i < 100000; i++ {
		msg := []byte(big.NewInt(int64(i)).String())
		ct, err := c.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if ct[len(ct)-1] != 0 {
			continue
		}

		buf := make([]byte, 256)
		copy(buf, ct)
		pt, err := c.Decrypt(buf)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("Decrypt() = %q, want %q", pt, msg)
		}
		return
	}
	t.Skip("no ciphertext ending in a zero byte found")
}

func TestEncrypt_Deterministic(t *testing.T) {
	c := newTestCipher(t, 5)
	defer c.Destroy()

	ct1, _ := c.Encrypt([]byte("Same message"))
	ct2, _ := c.Encrypt([]byte("Same message"))

	// No nonce: identical plaintexts give identical frames under one key.
	if !bytes.Equal(ct1, ct2) {
		t.Error("Encrypt() should be deterministic for a fixed key")
	}
}

func TestEncrypt_KeysDiffer(t *testing.T) {
	a := newTestCipher(t, 5)
	defer a.Destroy()
	b := newTestCipher(t, 6)
	defer b.Destroy()

	ctA, _ := a.Encrypt([]byte("hello"))
	ctB, _ := b.Encrypt([]byte("hello"))
	if bytes.Equal(ctA, ctB) {
		t.Error("different session keys should give different ciphertext")
	}
}

func TestEncrypt_TooLong(t *testing.T) {
	c := newTestCipher(t, 5)
	defer c.Destroy()

	_, err := c.Encrypt(make([]byte, MaxPlaintextSize+1))
	if !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("Encrypt() error = %v, want ErrMessageTooLong", err)
	}
}

func TestNoSessionKey(t *testing.T) {
	c := NewSessionCipher()
	if c.Ready() {
		t.Error("Ready() = true before DeriveKey")
	}

	if _, err := c.Encrypt([]byte("x")); !errors.Is(err, ErrNoSessionKey) {
		t.Errorf("Encrypt() error = %v, want ErrNoSessionKey", err)
	}
	if _, err := c.Decrypt(make([]byte, 16)); !errors.Is(err, ErrNoSessionKey) {
		t.Errorf("Decrypt() error = %v, want ErrNoSessionKey", err)
	}
}

func TestDeriveKey_Twice(t *testing.T) {
	c := newTestCipher(t, 5)
	defer c.Destroy()

	if err := c.DeriveKey(big.NewInt(6)); err == nil {
		t.Error("DeriveKey() should refuse to replace an existing key")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	c := newTestCipher(t, 99)
	defer c.Destroy()

	first, _ := c.Encrypt([]byte("Users: alice, bob"))
	second, _ := c.Encrypt([]byte("Users: carol"))

	tests := []struct {
		name  string
		input []byte
	}{
		{"nil", nil},
		{"all zero", make([]byte, 256)},
		{"not block aligned", []byte{1, 2, 3}},
		{"two frames joined", append(append([]byte(nil), first...), second...)},
		{"truncated frame", first[:len(first)-BlockSize]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decrypt() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestNextFrame(t *testing.T) {
	c := newTestCipher(t, 77)
	defer c.Destroy()

	msgs := []string{
		"Users: " + strings.Repeat("a", 200),
		"",
		"Users: zz",
		strings.Repeat("y", MaxPlaintextSize),
	}
	var stream []byte
	for _, m := range msgs {
		ct, err := c.Encrypt([]byte(m))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		stream = append(stream, ct...)
	}

	for _, want := range msgs {
		pt, n, err := c.NextFrame(stream)
		if err != nil {
			t.Fatalf("NextFrame() error = %v", err)
		}
		if string(pt) != want {
			t.Fatalf("NextFrame() = %q, want %q", pt, want)
		}
		stream = stream[n:]
	}
	if len(stream) != 0 {
		t.Errorf("%d bytes left over", len(stream))
	}
}

func TestNextFrame_Errors(t *testing.T) {
	c := newTestCipher(t, 78)
	defer c.Destroy()

	ct, _ := c.Encrypt([]byte(strings.Repeat("q", 100)))

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", []byte{1, 2, 3}},
		{"partial frame", ct[:len(ct)-BlockSize]},
		{"zeros", make([]byte, MaxCiphertextSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := c.NextFrame(tt.input); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("NextFrame() error = %v, want ErrMalformedFrame", err)
			}
		})
	}

	if _, _, err := NewSessionCipher().NextFrame(ct); !errors.Is(err, ErrNoSessionKey) {
		t.Errorf("NextFrame() without key error = %v, want ErrNoSessionKey", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a := newTestCipher(t, 100)
	defer a.Destroy()
	b := newTestCipher(t, 101)
	defer b.Destroy()

	ct, _ := a.Encrypt([]byte("a secret line of chat"))
	pt, err := b.Decrypt(ct)
	if err == nil && string(pt) == "a secret line of chat" {
		t.Error("Decrypt() with the wrong key recovered the plaintext")
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 3*BlockSize; n++ {
		data := bytes.Repeat([]byte{0x5a}, n)
		padded := pkcs7Pad(append([]byte(nil), data...), BlockSize)
		if len(padded)%BlockSize != 0 || len(padded) <= n {
			t.Fatalf("pkcs7Pad(len=%d) size = %d", n, len(padded))
		}
		got, err := pkcs7Unpad(padded, BlockSize)
		if err != nil {
			t.Fatalf("pkcs7Unpad(len=%d) error = %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("pkcs7 round trip len=%d failed", n)
		}
	}

	bad := bytes.Repeat([]byte{0x03}, BlockSize)
	bad[BlockSize-2] = 0x04
	if _, err := pkcs7Unpad(bad, BlockSize); err == nil {
		t.Error("pkcs7Unpad() should reject inconsistent padding")
	}
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	c := newTestCipher(b, 321)
	defer c.Destroy()
	plaintext := []byte("Benchmark message for encryption testing")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ct, _ := c.Encrypt(plaintext)
		c.Decrypt(ct)
	}
}
