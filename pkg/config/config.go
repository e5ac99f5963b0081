// Package config は環境変数から各サービスの設定値を読み込むヘルパーを提供する。
//
// 秘密情報は <KEY>_FILE で指定したファイルから読み込むこともできる。
// Docker/Kubernetesのシークレットをファイルとしてマウントする運用を想定している。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
// <key>_FILE が設定されている場合はそのファイルの内容を優先する。
func GetEnvOr(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetDuration は環境変数をtime.Durationとして解釈する。
// 未設定の場合はデフォルト値を返す。
func GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%sの形式が不正です: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%sは正の値である必要があります: %s", key, v)
	}
	return d, nil
}

// GetInt は環境変数を整数として解釈する。
func GetInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%sの形式が不正です: %w", key, err)
	}
	return n, nil
}

// GetBool は環境変数を真偽値として解釈する。
func GetBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%sの形式が不正です: %w", key, err)
	}
	return b, nil
}
