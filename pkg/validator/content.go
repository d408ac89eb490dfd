package validator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	errEmptyID      = errors.New("id is required")
	errEmptyContent = errors.New("contentB64 is required")
)

// DecodeContent 将 contentB64 解码为原始字节，兼容带换行的 MIME 风格输入。
func DecodeContent(contentB64 string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, contentB64)
	if cleaned == "" {
		return nil, errEmptyContent
	}
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}
	return decoded, nil
}

// EncodeContent 将原始字节编码为 contentB64。
func EncodeContent(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// ValidateItem 校验一条待签名数据。Session.AddData 本身不做校验，由 relay 与 CLI 在入口处调用。
func ValidateItem(id, contentB64 string) error {
	if strings.TrimSpace(id) == "" {
		return errEmptyID
	}
	if _, err := DecodeContent(contentB64); err != nil {
		return fmt.Errorf("item %q: %w", id, err)
	}
	return nil
}
