package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization   = errors.New("missing Authorization header")
	errMalformedAuthorization = errors.New("malformed Authorization header")
	errMissingAuthType        = errors.New("missing Authorization type")
	errUnsupportedAuthType    = errors.New("unsupported Authorization type")
	errMissingBearerToken     = errors.New("missing Bearer token")
)

const bearerScheme = "Bearer"

// bearerTokenFromHeader extracts the credential from the first Authorization
// header value. Anything after the credential is ignored.
func bearerTokenFromHeader(header http.Header) (string, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return "", errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) (string, error) {
	if !isHeaderText(raw) {
		return "", errMalformedAuthorization
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", errMissingAuthType
	}
	if fields[0] != bearerScheme {
		return "", errUnsupportedAuthType
	}
	if len(fields) < 2 {
		return "", errMissingBearerToken
	}
	return fields[1], nil
}

// isHeaderText accepts visible ASCII, space and tab.
func isHeaderText(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '\t' {
			continue
		}
		if b < ' ' || b > '~' {
			return false
		}
	}
	return true
}
