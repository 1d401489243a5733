package sign_test

import (
	"math/rand"
	"net/url"
	"testing"

	"github.com/paybridge/gateway/internal/module/channel/sign"
	"github.com/paybridge/gateway/internal/module/channel/sign/signtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSorted_Canonical(t *testing.T) {
	t.Run("sorts keys and drops empty and excluded", func(t *testing.T) {
		p := sign.Params{
			"pid":          "1001",
			"type":         "alipay",
			"out_trade_no": "T1001",
			"money":        "10.00",
			"sign":         "abc",
			"sign_type":    "MD5",
			"signature":    "x",
			"param":        "",
			"extra":        nil,
		}
		got := sign.Sorted{Exclude: []string{"sign_type"}}.Canonical(p)
		assert.Equal(t, "money=10.00&out_trade_no=T1001&pid=1001&type=alipay", got)
	})

	t.Run("codepoint order puts uppercase first", func(t *testing.T) {
		p := sign.Params{"b": "2", "B": "1", "a": "3"}
		assert.Equal(t, "B=1&a=3&b=2", sign.Canonicalize(p))
	})

	t.Run("objects serialize as compact json", func(t *testing.T) {
		p := sign.Params{
			"amount": map[string]any{"total": 100, "currency": "CNY"},
			"items":  []string{"a", "b"},
			"n":      int64(3),
			"ok":     true,
		}
		got := sign.Canonicalize(p)
		assert.Equal(t, `amount={"currency":"CNY","total":100}&items=["a","b"]&n=3&ok=true`, got)
	})
}

func TestSorted_InsertionOrderInvariant(t *testing.T) {
	pairs := [][2]string{
		{"pid", "1"}, {"type", "wxpay"}, {"out_trade_no", "T9"}, {"notify_url", "http://n"},
		{"return_url", "http://r"}, {"name", "vip"}, {"money", "1.00"}, {"clientip", "1.1.1.1"},
		{"device", "pc"}, {"param", ""},
	}
	want := ""
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		rng.Shuffle(len(pairs), func(a, b int) { pairs[a], pairs[b] = pairs[b], pairs[a] })
		p := sign.Params{}
		for _, kv := range pairs {
			p[kv[0]] = kv[1]
		}
		got := sign.Canonicalize(p)
		if want == "" {
			want = got
		}
		require.Equal(t, want, got)
	}
	assert.NotContains(t, want, "param=")
}

func TestFixedOrder_Canonical(t *testing.T) {
	p := sign.Params{"payId": "T1", "param": "", "type": "1", "price": "9.90", "reallyPrice": "9.89"}
	f := sign.FixedOrder{Fields: []string{"payId", "param", "type", "price", "reallyPrice"}}
	assert.Equal(t, "T11"+"9.90"+"9.89", f.Canonical(p))

	f.Separator = "|"
	assert.Equal(t, "T1||1|9.90|9.89", f.Canonical(p))
}

func TestFromValues(t *testing.T) {
	v := url.Values{"a": {"1", "2"}, "b": {}}
	p := sign.FromValues(v)
	assert.Equal(t, "1", p.Get("a"))
	_, ok := p["b"]
	assert.False(t, ok)
}

func TestSymmetric_RoundTrip(t *testing.T) {
	canonical := "money=10.00&out_trade_no=T1001&pid=1001"
	for _, alg := range []sign.Algorithm{sign.MD5, sign.MD5Key, sign.HMACSHA256} {
		t.Run(string(alg), func(t *testing.T) {
			sig, err := sign.Sign(alg, canonical, "secret")
			require.NoError(t, err)
			assert.True(t, sign.Verify(alg, canonical, sig, "secret"))
			assert.False(t, sign.Verify(alg, canonical, sig, "other"))

			for i := range canonical {
				mutated := []byte(canonical)
				mutated[i] ^= 0x01
				assert.False(t, sign.Verify(alg, string(mutated), sig, "secret"), "mutated canonical at %d", i)
			}
			for i := range sig {
				mutated := []byte(sig)
				mutated[i] ^= 0x01
				assert.False(t, sign.Verify(alg, canonical, string(mutated), "secret"), "mutated sig at %d", i)
			}
		})
	}
}

func TestMD5_KnownVector(t *testing.T) {
	// md5("a=1&b=2key")
	sig, err := sign.Sign(sign.MD5, "a=1&b=2", "key")
	require.NoError(t, err)
	assert.Equal(t, "1c123a5dc12e90deeaa1cd94681f0d88", sig)

	upper, err := sign.Sign(sign.MD5Key, "a=1&b=2", "key")
	require.NoError(t, err)
	assert.Len(t, upper, 32)
	assert.NotEqual(t, sig, lower(upper))
}

func TestRSA_RoundTrip(t *testing.T) {
	kp := signtest.RSA(t)
	canonical := "app_id=2021&out_trade_no=T1001&total_amount=10.00"

	for _, alg := range []sign.Algorithm{sign.RSASHA256, sign.RSASHA1} {
		t.Run(string(alg), func(t *testing.T) {
			sig, err := sign.Sign(alg, canonical, kp.PrivatePKCS8PEM)
			require.NoError(t, err)
			assert.True(t, sign.Verify(alg, canonical, sig, kp.PublicPEM))

			mutated := []byte(canonical)
			mutated[3] ^= 0x01
			assert.False(t, sign.Verify(alg, string(mutated), sig, kp.PublicPEM))

			badSig := []byte(sig)
			badSig[10] ^= 0x01
			assert.False(t, sign.Verify(alg, canonical, string(badSig), kp.PublicPEM))
		})
	}
}

func TestRSA_RawKeysMatchPEM(t *testing.T) {
	kp := signtest.RSA(t)
	canonical := "a=1&b=2"

	privates := map[string]string{
		"pkcs8 pem": kp.PrivatePKCS8PEM,
		"pkcs8 raw": kp.PrivatePKCS8Raw,
		"pkcs1 pem": kp.PrivatePKCS1PEM,
		"pkcs1 raw": kp.PrivatePKCS1Raw,
	}
	for name, priv := range privates {
		t.Run(name, func(t *testing.T) {
			sig, err := sign.Sign(sign.RSASHA256, canonical, priv)
			require.NoError(t, err)
			// PKCS#1 v1.5 is deterministic, so every encoding yields the same bytes.
			ref, err := sign.Sign(sign.RSASHA256, canonical, kp.PrivatePKCS8PEM)
			require.NoError(t, err)
			assert.Equal(t, ref, sig)

			assert.True(t, sign.Verify(sign.RSASHA256, canonical, sig, kp.PublicRaw))
			assert.True(t, sign.Verify(sign.RSASHA256, canonical, sig, kp.PublicPEM))
		})
	}
}

func TestRSA_MalformedKeys(t *testing.T) {
	kp := signtest.RSA(t)
	canonical := "a=1"
	sig, err := sign.Sign(sign.RSASHA256, canonical, kp.PrivatePKCS8Raw)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"garbage", "not a key at all!!"},
		{"truncated", kp.PublicRaw[:40]},
		{"wrong type", kp.PrivatePKCS8PEM},
		{"bad pem body", "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, sign.Verify(sign.RSASHA256, canonical, sig, tt.key))
			})
		})
	}

	t.Run("sign with bad key fails", func(t *testing.T) {
		_, err := sign.Sign(sign.RSASHA256, canonical, "garbage")
		assert.ErrorIs(t, err, sign.ErrInvalidKey)
	})

	t.Run("non base64 signature", func(t *testing.T) {
		assert.False(t, sign.Verify(sign.RSASHA256, canonical, "%%%", kp.PublicRaw))
	})
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := sign.Sign("sm3", "a=1", "k")
	assert.ErrorIs(t, err, sign.ErrUnsupportedAlgorithm)
	assert.False(t, sign.Verify("sm3", "a=1", "x", "k"))

	_, err = sign.NewSigner("sm3", "k", "")
	assert.ErrorIs(t, err, sign.ErrUnsupportedAlgorithm)
}

func TestSigner(t *testing.T) {
	t.Run("symmetric uses sign key for verify", func(t *testing.T) {
		s, err := sign.NewSigner(sign.MD5, "k", "")
		require.NoError(t, err)
		sig, err := s.Sign("a=1")
		require.NoError(t, err)
		assert.True(t, s.Verify("a=1", sig))
	})

	t.Run("rsa split keys", func(t *testing.T) {
		ours := signtest.RSA(t)
		theirs := signtest.Fresh(t)

		outbound, err := sign.NewSigner(sign.RSASHA256, ours.PrivatePKCS1Raw, theirs.PublicRaw)
		require.NoError(t, err)

		sig, err := outbound.Sign("x=1")
		require.NoError(t, err)
		assert.True(t, sign.Verify(sign.RSASHA256, "x=1", sig, ours.PublicPEM))
		// Our own signature must not pass as the provider's.
		assert.False(t, outbound.Verify("x=1", sig))

		inbound, err := sign.Sign(sign.RSASHA256, "x=1", theirs.PrivatePKCS8PEM)
		require.NoError(t, err)
		assert.True(t, outbound.Verify("x=1", inbound))
	})

	t.Run("malformed rsa key rejected up front", func(t *testing.T) {
		_, err := sign.NewSigner(sign.RSASHA256, "bogus", "")
		assert.ErrorIs(t, err, sign.ErrInvalidKey)
	})

	t.Run("verify only signer cannot sign", func(t *testing.T) {
		kp := signtest.RSA(t)
		s, err := sign.NewSigner(sign.RSASHA256, "", kp.PublicRaw)
		require.NoError(t, err)
		_, err = s.Sign("a")
		assert.ErrorIs(t, err, sign.ErrInvalidKey)
	})
}

func TestWrapPEM(t *testing.T) {
	kp := signtest.RSA(t)
	wrapped := sign.WrapPEM(kp.PublicRaw, sign.BlockPublicKey)
	assert.True(t, sign.HasPEMEnvelope(wrapped))
	assert.Equal(t, kp.PublicRaw, sign.StripPEM(wrapped))
	assert.Equal(t, kp.PublicPEM, sign.WrapPEM(kp.PublicPEM, sign.BlockPublicKey))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
