package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5321/5322 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// SplitAddress 把邮箱地址拆成本地部分和域名，两者统一小写。
// 输入允许带尖括号（SMTP 信封格式）。
func SplitAddress(addr string) (localPart, domainName string, err error) {
	addr = strings.ToLower(strings.Trim(strings.TrimSpace(addr), "<>"))
	if addr == "" || len(addr) > MaxEmailLength {
		return "", "", ErrInvalidEmail
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", ErrInvalidEmail
	}

	localPart = addr[:at]
	domainName = addr[at+1:]

	if len(localPart) > MaxLocalPartLength {
		return "", "", ErrLocalPartTooLong
	}
	if err := ValidateDomainName(domainName); err != nil {
		return "", "", err
	}

	return localPart, domainName, nil
}

// ValidateEmail 验证完整邮箱地址（目的地址等）。
func ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	if _, _, err := SplitAddress(email); err != nil {
		return err
	}

	return nil
}

// ValidateDomainName 验证域名格式。
func ValidateDomainName(domainName string) error {
	if domainName == "" {
		return ErrInvalidDomain
	}
	if len(domainName) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !strings.Contains(domainName, ".") {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domainName) {
		return ErrInvalidDomain
	}

	// 每个标签不超过 63 字符
	for _, label := range strings.Split(domainName, ".") {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}
