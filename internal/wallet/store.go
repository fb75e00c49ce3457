package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"MonadFlow/internal/errors"
)

// PassphraseFunc 在需要加解密私钥时提供口令。wallet 参数是钱包名称，
// 方便交互式实现给出提示语。
type PassphraseFunc func(ctx context.Context, wallet string) (string, error)

// EnvPassphrase 从环境变量读取口令，是非交互场景的默认实现。
func EnvPassphrase(name string) PassphraseFunc {
	return func(ctx context.Context, wallet string) (string, error) {
		if pass := os.Getenv(name); pass != "" {
			return pass, nil
		}
		return "", errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("环境变量 %s 未设置钱包口令", name))
	}
}

// StaticPassphrase 返回固定口令，便于测试与配置注入。
func StaticPassphrase(pass string) PassphraseFunc {
	return func(ctx context.Context, wallet string) (string, error) {
		return pass, nil
	}
}

// Option 配置 Store 的可选行为。
type Option func(*Store)

// WithPassphraseFunc 替换口令来源，例如交互式终端提示。
func WithPassphraseFunc(fn PassphraseFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.passphrase = fn
		}
	}
}

// WithScryptParams 调整 keystore 加密强度，参数含义与
// keystore.NewKeyStore 相同。测试可以借此避开标准参数的耗时。
func WithScryptParams(n, p int) Option {
	return func(s *Store) {
		if n > 1 && p > 0 {
			s.scryptN = n
			s.scryptP = p
		}
	}
}

// Store 将钱包保存为目录下的 JSON 文件，每个钱包一个文件。
// 私钥始终以 keystore v3 加密形式落盘，签名在 SignTx 内部完成，
// 解密后的私钥不会离开本包。
type Store struct {
	mu         sync.Mutex
	dir        string
	passphrase PassphraseFunc
	scryptN    int
	scryptP    int
}

// NewStore 打开或创建钱包目录。目录权限为 0700，文件权限为 0600。
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "钱包目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(errors.CodeInitializationFailure, "创建钱包目录失败", err)
	}
	s := &Store{
		dir:        dir,
		passphrase: EnvPassphrase("MONADFLOW_WALLET_PASSPHRASE"),
		scryptN:    keystore.StandardScryptN,
		scryptP:    keystore.StandardScryptP,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir 返回钱包目录路径。
func (s *Store) Dir() string {
	return s.dir
}

// Add 导入一个十六进制私钥并以给定名称保存。仓库为空时新钱包
// 自动成为默认钱包。
func (s *Store) Add(ctx context.Context, name, hexKey string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	key, err := parseKey(hexKey)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveKey(ctx, name, key)
}

// Generate 生成一个新私钥并以给定名称保存。
func (s *Store) Generate(ctx context.Context, name string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown, "生成私钥失败", err)
	}
	defer wipe(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveKey(ctx, name, key)
}

// AddWatchOnly 登记一个只读地址。观察钱包可以查询余额，
// 但任何签名请求都会被拒绝。
func (s *Store) AddWatchOnly(name, address string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(address) {
		return nil, errors.New(CodeInvalidKey,
			fmt.Sprintf("无效的地址 %s", address))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists(name) {
		return nil, errors.New(CodeDuplicateWallet,
			fmt.Sprintf("钱包 %s 已存在", name))
	}
	rec := &record{
		Name:      name,
		Address:   common.HexToAddress(address).Hex(),
		WatchOnly: true,
		Default:   s.isEmpty(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec.wallet(), nil
}

// Get 返回指定名称的钱包。
func (s *Store) Get(name string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readRecord(name)
	if err != nil {
		return nil, err
	}
	return rec.wallet(), nil
}

// List 返回按名称排序的全部钱包。
func (s *Store) List() ([]*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	wallets := make([]*Wallet, 0, len(recs))
	for _, rec := range recs {
		wallets = append(wallets, rec.wallet())
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Name < wallets[j].Name })
	return wallets, nil
}

// Remove 删除指定钱包。删除默认钱包后仓库不再有默认项。
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readRecord(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		return errors.Wrap(errors.CodeUnknown, "删除钱包文件失败", err)
	}
	return nil
}

// SetDefault 将指定钱包标记为默认，并清除其他钱包的默认标记。
func (s *Store) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return err
	}
	found := false
	for _, rec := range recs {
		if rec.Name == name {
			found = true
		}
	}
	if !found {
		return errors.New(CodeWalletNotFound,
			fmt.Sprintf("钱包 %s 不存在", name))
	}
	for _, rec := range recs {
		want := rec.Name == name
		if rec.Default == want {
			continue
		}
		rec.Default = want
		if err := s.writeRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// Default 返回当前的默认钱包。
func (s *Store) Default() (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Default {
			return rec.wallet(), nil
		}
	}
	return nil, errors.New(CodeWalletNotFound, "未设置默认钱包")
}

// SignTx 用指定钱包对交易签名。私钥仅在本方法内解密，
// 使用后立即清零。观察钱包会返回 WATCH_ONLY_WALLET。
func (s *Store) SignTx(ctx context.Context, name string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	rec, err := s.readRecord(name)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rec.WatchOnly || len(rec.Keystore) == 0 {
		return nil, errors.New(CodeWatchOnlyWallet,
			fmt.Sprintf("钱包 %s 是观察钱包，无法签名", name))
	}

	pass, err := s.passphrase(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(rec.Keystore, pass)
	if err != nil {
		return nil, errors.Wrap(CodeInvalidKey,
			fmt.Sprintf("解密钱包 %s 失败", name), err)
	}
	defer wipe(key.PrivateKey)

	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, key.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(CodeInvalidKey,
			fmt.Sprintf("钱包 %s 签名失败", name), err)
	}
	return signed, nil
}

// saveKey 加密私钥并写入记录。调用方需持有锁。
func (s *Store) saveKey(ctx context.Context, name string, key *ecdsa.PrivateKey) (*Wallet, error) {
	if s.exists(name) {
		return nil, errors.New(CodeDuplicateWallet,
			fmt.Sprintf("钱包 %s 已存在", name))
	}
	pass, err := s.passphrase(ctx, name)
	if err != nil {
		return nil, err
	}
	ksKey := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	blob, err := keystore.EncryptKey(ksKey, pass, s.scryptN, s.scryptP)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown, "加密私钥失败", err)
	}
	rec := &record{
		Name:      name,
		Address:   ksKey.Address.Hex(),
		Default:   s.isEmpty(),
		CreatedAt: time.Now().UTC(),
		Keystore:  blob,
	}
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec.wallet(), nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *Store) isEmpty() bool {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			return false
		}
	}
	return true
}

func (s *Store) readRecord(name string) (*record, error) {
	content, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, errors.New(CodeWalletNotFound,
			fmt.Sprintf("钱包 %s 不存在", name))
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown, "读取钱包文件失败", err)
	}
	var rec record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, errors.Wrap(errors.CodeUnknown,
			fmt.Sprintf("解析钱包文件 %s 失败", name), err)
	}
	return &rec, nil
}

func (s *Store) readAll() ([]*record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown, "读取钱包目录失败", err)
	}
	recs := make([]*record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := s.readRecord(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) writeRecord(rec *record) error {
	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(errors.CodeUnknown, "序列化钱包失败", err)
	}
	if err := os.WriteFile(s.path(rec.Name), content, 0o600); err != nil {
		return errors.Wrap(errors.CodeUnknown, "写入钱包文件失败", err)
	}
	return nil
}

// validateName 拒绝空名称与包含路径分隔符的名称。
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New(errors.CodeInvalidArgument, "钱包名称不能为空")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("钱包名称 %s 含有非法字符", name))
	}
	return nil
}

// parseKey 解析十六进制私钥，允许带 0x 前缀。
func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(hexKey)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errors.Wrap(CodeInvalidKey, "无效的私钥", err)
	}
	return key, nil
}

// wipe 清零私钥的大数底层存储。
func wipe(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	b := key.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
