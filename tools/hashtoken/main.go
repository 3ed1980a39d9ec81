package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// 生成操作员令牌的 bcrypt 哈希，填入 config.yaml 的 web.api_token_hash
func main() {
	if len(os.Args) < 2 {
		fmt.Println("用法: go run ./tools/hashtoken <令牌>")
		os.Exit(1)
	}

	token := strings.TrimSpace(os.Args[1])
	if len(token) < 12 {
		fmt.Println("错误: 令牌长度至少 12 位")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("错误: 生成令牌哈希失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ 令牌哈希已生成，写入配置:")
	fmt.Println()
	fmt.Println("web:")
	fmt.Printf("  api_token_hash: %q\n", string(hash))
	fmt.Println()
	fmt.Println("  或设置环境变量 OPTIONSDESK_API_TOKEN_HASH")
}
