package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

var (
	// ErrMissingKey 域名宣告 DKIM 但未配置密钥
	ErrMissingKey = errors.New("dkim key material missing")
	// ErrInvalidKey 密钥无法解析
	ErrInvalidKey = errors.New("dkim key material invalid")
)

// 参与签名的头；From 必须在内（RFC 6376 要求）。
var defaultHeaderKeys = []string{
	"From", "To", "Cc", "Reply-To", "Subject", "Date",
	"Message-ID", "In-Reply-To", "References",
	"MIME-Version", "Content-Type",
}

// Signer 用域名私钥为出站邮件附加 DKIM-Signature 头。
//
// 签名策略：域名的 DKIM 已验证时，缺失/无效的密钥是签名错误，
// 该投递必须失败，绝不降级为未签名发送；DKIM 未验证的域名
// 默认允许未签名转发（记录一条期望不一致的日志），
// requireSigned 打开后对所有域名一律拒绝未签名发送。
type Signer struct {
	logger        *zap.Logger
	requireSigned bool
}

// NewSigner 创建 DKIM 签名器。requireSigned 控制 DKIM 未验证
// 的域名能否降级为未签名转发。
func NewSigner(logger *zap.Logger, requireSigned bool) *Signer {
	return &Signer{logger: logger, requireSigned: requireSigned}
}

// Sign 对原始邮件内容签名，返回带 DKIM-Signature 头的副本。
func (s *Signer) Sign(raw []byte, d *domain.Domain) ([]byte, error) {
	signer, err := s.loadKey(d)
	if err != nil {
		if d.DKIMVerified || s.requireSigned {
			return nil, fmt.Errorf("domain %s requires dkim signature: %w", d.Name, err)
		}
		// DKIM 未验证的域名按定义允许未签名转发
		s.logger.Warn("forwarding unsigned, dkim key unusable",
			zap.String("domain", d.Name),
			zap.Error(err),
		)
		return raw, nil
	}

	opts := &dkim.SignOptions{
		Domain:                 d.Name,
		Selector:               d.DKIMSelector,
		Signer:                 signer,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             defaultHeaderKeys,
	}

	// dkim 包要求 CRLF 换行
	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(normalizeCRLF(raw)), opts); err != nil {
		if d.DKIMVerified || s.requireSigned {
			return nil, fmt.Errorf("dkim sign for %s: %w", d.Name, err)
		}
		s.logger.Warn("forwarding unsigned, dkim sign failed",
			zap.String("domain", d.Name),
			zap.Error(err),
		)
		return raw, nil
	}

	return out.Bytes(), nil
}

// loadKey 解析域名的 DKIM 私钥。
func (s *Signer) loadKey(d *domain.Domain) (crypto.Signer, error) {
	if d.DKIMPrivateKey == "" || d.DKIMSelector == "" {
		return nil, ErrMissingKey
	}
	return ParsePrivateKey(d.DKIMPrivateKey)
}

// ParsePrivateKey 解析 PEM 编码的 DKIM 私钥（PKCS#1 RSA 或 PKCS#8）。
func ParsePrivateKey(pemData string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidKey
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, key)
	}
}

// PublicKeyRecord 从私钥推导 DNS TXT 记录里的 p= 值，
// 验证器用它与 selector._domainkey TXT 做比对。
func PublicKeyRecord(pemData string) (string, error) {
	signer, err := ParsePrivateKey(pemData)
	if err != nil {
		return "", err
	}

	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(der), nil
	case ed25519.PublicKey:
		return base64.StdEncoding.EncodeToString(pub), nil
	default:
		return "", fmt.Errorf("%w: unsupported public key type %T", ErrInvalidKey, pub)
	}
}

// normalizeCRLF 把换行统一成 CRLF。
func normalizeCRLF(raw []byte) []byte {
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}
