package domain

import (
	"crypto"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"strings"
)

// AlgorithmSpec は鍵生成・署名で使用する暗号パラメータを表す。
type AlgorithmSpec struct {
	Name       string // 署名方式（例: ECDSA）
	NamedCurve string // 名前付き曲線（例: P-256）
	Hash       crypto.Hash
}

// ECDSAP256SHA256 はサービスが固定で使用するアルゴリズム。
var ECDSAP256SHA256 = AlgorithmSpec{
	Name:       "ECDSA",
	NamedCurve: "P-256",
	Hash:       crypto.SHA256,
}

// DefaultAlgorithmID は鍵作成時にアルゴリズムが省略された場合の識別子。
const DefaultAlgorithmID = "ECDSA-P256"

// algorithmAliases はクライアントが指定できる識別子と実際のパラメータの対応表。
var algorithmAliases = map[string]AlgorithmSpec{
	"ECDSA-P256":        ECDSAP256SHA256,
	"ECDSA-P-256":       ECDSAP256SHA256,
	"ECDSA-P256-SHA256": ECDSAP256SHA256,
	"ES256":             ECDSAP256SHA256,
	"P-256":             ECDSAP256SHA256,
	"ECDSA":             ECDSAP256SHA256,
}

// ParseAlgorithm はアルゴリズム識別子を解釈する。大文字小文字は区別しない。
func ParseAlgorithm(id string) (AlgorithmSpec, error) {
	spec, ok := algorithmAliases[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return AlgorithmSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, id)
	}
	return spec, nil
}

// String は "ECDSA-P-256-SHA256" 形式の文字列を返す。
func (a AlgorithmSpec) String() string {
	return a.Name + "-" + a.NamedCurve + "-" + strings.ReplaceAll(a.Hash.String(), "-", "")
}

// Curve は名前付き曲線に対応する elliptic.Curve を返す。
func (a AlgorithmSpec) Curve() (elliptic.Curve, error) {
	switch a.NamedCurve {
	case "P-256":
		return elliptic.P256(), nil
	default:
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedAlgorithm, a.NamedCurve)
	}
}

// SignatureAlgorithm はCSR・証明書で使用する x509 の署名アルゴリズムを返す。
func (a AlgorithmSpec) SignatureAlgorithm() (x509.SignatureAlgorithm, error) {
	if a.Name == "ECDSA" && a.Hash == crypto.SHA256 {
		return x509.ECDSAWithSHA256, nil
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
}
