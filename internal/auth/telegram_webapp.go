package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultInitDataTTL is the oldest auth_date accepted when no max age is given.
const DefaultInitDataTTL = 5 * time.Minute

// clockSkew is how far in the future auth_date may be.
const clockSkew = time.Minute

// WebAppUser is the Telegram account carried in mini app initData.
type WebAppUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ValidateTelegramWebAppData checks the signature and freshness of mini app
// initData and returns the signed user.
// https://core.telegram.org/bots/webapps#validating-data-received-via-the-mini-app
func ValidateTelegramWebAppData(initData, botToken string, maxAge time.Duration) (*WebAppUser, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is not configured")
	}
	if maxAge <= 0 {
		maxAge = DefaultInitDataTTL
	}

	vals, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("invalid initData format: %w", err)
	}

	receivedHash := vals.Get("hash")
	if receivedHash == "" {
		return nil, fmt.Errorf("hash is missing from initData")
	}

	authDateStr := vals.Get("auth_date")
	if authDateStr == "" {
		return nil, fmt.Errorf("auth_date is missing from initData")
	}
	authDateUnix, err := strconv.ParseInt(authDateStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth_date is not a valid unix timestamp")
	}
	authDate := time.Unix(authDateUnix, 0)
	if age := time.Since(authDate); age > maxAge {
		return nil, fmt.Errorf("initData expired: auth_date is %s old (max %s)", age.Round(time.Second), maxAge)
	}
	if authDate.After(time.Now().Add(clockSkew)) {
		return nil, fmt.Errorf("auth_date is in the future")
	}

	expected := hex.EncodeToString(signInitData(vals, botToken))
	if !hmac.Equal([]byte(expected), []byte(receivedHash)) {
		return nil, fmt.Errorf("invalid hash: data integrity check failed")
	}

	raw := vals.Get("user")
	if raw == "" {
		return nil, fmt.Errorf("user is missing from initData")
	}
	var user WebAppUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("invalid user in initData: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("user id is missing from initData")
	}
	return &user, nil
}

// signInitData computes HMAC-SHA256(data_check_string) keyed with
// HMAC-SHA256("WebAppData", bot_token).
func signInitData(vals url.Values, botToken string) []byte {
	var pairs []string
	for key, values := range vals {
		if key == "hash" {
			continue
		}
		for _, v := range values {
			pairs = append(pairs, key+"="+v)
		}
	}
	sort.Strings(pairs)

	secretKey := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	return hmacSHA256(secretKey, []byte(strings.Join(pairs, "\n")))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
