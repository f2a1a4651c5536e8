package services

import (
	"testing"
)

func TestJWTGenerateAndExtractClaims(t *testing.T) {
	cfg := newTestConfig()
	cfg.JWTSecretKey = "test-secret"
	svc := NewJWTService(cfg)

	tokenString, err := svc.GenerateToken(7, "admin")
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}

	token, err := svc.ValidateToken(tokenString)
	if err != nil || !token.Valid {
		t.Fatalf("令牌验证失败: %v", err)
	}

	claims, err := svc.ExtractClaims(tokenString)
	if err != nil {
		t.Fatalf("提取声明失败: %v", err)
	}
	if claims.AdminID != 7 || claims.Username != "admin" {
		t.Fatalf("声明不符: %+v", claims)
	}
	if claims.Issuer != "facial-sync-service" {
		t.Fatalf("签发者不符: %s", claims.Issuer)
	}
}

func TestJWTRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	cfgA := newTestConfig()
	cfgA.JWTSecretKey = "secret-a"
	cfgB := newTestConfig()
	cfgB.JWTSecretKey = "secret-b"

	tokenString, err := NewJWTService(cfgA).GenerateToken(1, "admin")
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}

	if _, err := NewJWTService(cfgB).ValidateToken(tokenString); err == nil {
		t.Fatal("不同密钥签发的令牌应被拒绝")
	}
}

func TestJWTRejectsMalformedToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.JWTSecretKey = "test-secret"
	svc := NewJWTService(cfg)

	for _, token := range []string{"", "not-a-token", "aaa.bbb.ccc"} {
		if _, err := svc.ValidateToken(token); err == nil {
			t.Fatalf("畸形令牌 %q 应被拒绝", token)
		}
	}
}
