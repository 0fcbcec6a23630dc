// Package signature derives the HMAC-SHA256 request signatures the REST
// polling backend attaches to every call, per the developer API's signing
// scheme: sign(secret, message) = hex(HMAC-SHA256(secret, message)), where
// message is the canonical, sorted, URL-encoded form of the request's query
// parameters augmented with accessKey/nonce/timestamp.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signed holds the augmented parameter set (original params plus accessKey,
// nonce, timestamp) and the resulting signature. Callers send Params as
// request headers alongside a "sign" header carrying Sign.
type Signed struct {
	Params map[string]string
	Sign   string
}

// Sign augments params with accessKey/nonce/timestamp and signs the
// canonical form of the result with secretKey.
func Sign(accessKey, secretKey string, params map[string]string) (Signed, error) {
	nonce, err := nonce6()
	if err != nil {
		return Signed{}, fmt.Errorf("signature: generate nonce: %w", err)
	}

	augmented := make(map[string]string, len(params)+3)
	for k, v := range params {
		augmented[k] = v
	}
	augmented["accessKey"] = accessKey
	augmented["nonce"] = nonce
	augmented["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(canonicalize(augmented)))

	return Signed{
		Params: augmented,
		Sign:   hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// canonicalize renders params as a sorted, URL-encoded "k=v&k2=v2..." string.
func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// nonce6 returns a cryptographically random 6-digit string.
func nonce6() (string, error) {
	const digits = "0123456789"
	b := make([]byte, 6)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		b[i] = digits[n.Int64()]
	}
	return string(b), nil
}
