package network

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"MonadFlow/internal/errors"
)

// CodeUnknownNetwork 标记无法解析的网络名称。
const CodeUnknownNetwork = errors.Code("UNKNOWN_NETWORK")

func init() {
	errors.Register(CodeUnknownNetwork, errors.Attributes{
		Message:  "unknown network",
		Severity: errors.SeverityInfo,
	})
}

// Config describes a resolved network endpoint. GasLimit and GasPrice are
// optional per network overrides; zero means the global defaults apply.
type Config struct {
	Name        string
	ChainID     uint64
	RPCURL      string
	GasLimit    uint64
	GasPrice    uint64
	Description string
}

// Settings carries the inputs needed to build a Registry.
type Settings struct {
	// Default 是未显式指定网络时使用的名称。
	Default string
	// Definitions 指向 networks.yaml，为空时仅使用内置网络。
	Definitions string
	// LegacyRPCURL 与 LegacyChainID 来自旧版单网络环境变量，
	// 仅作用于默认网络。
	LegacyRPCURL  string
	LegacyChainID uint64
}

// Registry resolves network names to endpoint configurations. Resolution is
// static: connections are established separately by the chain package.
type Registry struct {
	defaultName string
	networks    map[string]Config
}

const envPrefix = "MONADFLOW_"

// builtins returns the well known Monad networks. The devnet entry has no
// public endpoint and only resolves when an override supplies one.
func builtins() map[string]Config {
	return map[string]Config{
		"testnet": {
			Name:        "testnet",
			ChainID:     10143,
			RPCURL:      "https://testnet-rpc.monad.xyz",
			Description: "Monad public testnet",
		},
		"mainnet": {
			Name:        "mainnet",
			ChainID:     143,
			RPCURL:      "https://rpc.monad.xyz",
			Description: "Monad mainnet",
		},
		"devnet": {
			Name:        "devnet",
			ChainID:     2442,
			Description: "Monad devnet, endpoint supplied via overrides",
		},
	}
}

// NewRegistry merges builtin networks, the YAML definitions file, and
// environment overrides into a resolvable registry.
func NewRegistry(st Settings) (*Registry, error) {
	networks := builtins()

	defs, err := LoadDefinitions(st.Definitions)
	if err != nil {
		return nil, err
	}
	for name, def := range defs.Networks {
		key := Normalize(name)
		if key == "" {
			return nil, fmt.Errorf("网络配置中存在空名称")
		}
		networks[key] = merge(networks[key], Config{
			Name:        key,
			ChainID:     def.ChainID,
			RPCURL:      def.RPCURL,
			GasLimit:    def.GasLimit,
			GasPrice:    def.GasPrice,
			Description: def.Description,
		})
	}

	overrides, err := collectEnvOverrides(os.Environ())
	if err != nil {
		return nil, err
	}
	for name, over := range overrides {
		networks[name] = merge(networks[name], over)
	}

	defaultName := Normalize(st.Default)
	if defaultName == "" {
		defaultName = "testnet"
	}

	if entry, ok := networks[defaultName]; ok {
		if st.LegacyRPCURL != "" {
			entry.RPCURL = st.LegacyRPCURL
		}
		if st.LegacyChainID != 0 {
			entry.ChainID = st.LegacyChainID
		}
		networks[defaultName] = entry
	} else if st.LegacyRPCURL != "" {
		// 旧版脚本允许只给出 RPC 地址，此时为默认网络即席建档。
		chainID := st.LegacyChainID
		if chainID == 0 {
			chainID = 2442
		}
		networks[defaultName] = Config{
			Name:    defaultName,
			ChainID: chainID,
			RPCURL:  st.LegacyRPCURL,
		}
	} else {
		return nil, errors.New(CodeUnknownNetwork,
			fmt.Sprintf("默认网络 %s 未在配置中找到", defaultName))
	}

	return &Registry{defaultName: defaultName, networks: networks}, nil
}

// Default returns the name used when no network is specified.
func (r *Registry) Default() string {
	if r == nil {
		return ""
	}
	return r.defaultName
}

// Resolve returns the configuration for the named network. An empty name
// resolves the default network.
func (r *Registry) Resolve(name string) (Config, error) {
	if r == nil {
		return Config{}, errors.New(CodeUnknownNetwork, "网络注册表未初始化")
	}
	key := Normalize(name)
	if key == "" {
		key = r.defaultName
	}
	cfg, ok := r.networks[key]
	if !ok {
		return Config{}, errors.New(CodeUnknownNetwork,
			fmt.Sprintf("未知网络 %s", key),
			errors.WithMetadata("network", key))
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return Config{}, errors.New(CodeUnknownNetwork,
			fmt.Sprintf("网络 %s 未配置 RPC 端点", key),
			errors.WithMetadata("network", key))
	}
	return cfg, nil
}

// Names returns the sorted list of registered network names.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered configurations sorted by name. Entries without
// an endpoint are included so callers can display incomplete networks.
func (r *Registry) List() []Config {
	if r == nil {
		return nil
	}
	list := make([]Config, 0, len(r.networks))
	for _, cfg := range r.networks {
		list = append(list, cfg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Normalize lowercases a network name and strips the redundant monad prefix,
// so that monad_testnet, monad-testnet and testnet are the same network.
func Normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "monad_")
	key = strings.TrimPrefix(key, "monad-")
	return key
}

// collectEnvOverrides scans the environment for per network overrides of the
// form MONADFLOW_<NAME>_RPC_URL, _CHAIN_ID, _GAS_LIMIT and _GAS_PRICE.
// Unknown names introduce new networks.
func collectEnvOverrides(environ []string) (map[string]Config, error) {
	overrides := make(map[string]Config)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, envPrefix)
		switch {
		case strings.HasSuffix(rest, "_RPC_URL"):
			name := Normalize(strings.TrimSuffix(rest, "_RPC_URL"))
			if name == "" {
				continue
			}
			over := overrides[name]
			over.Name = name
			over.RPCURL = value
			overrides[name] = over
		case strings.HasSuffix(rest, "_CHAIN_ID"):
			name := Normalize(strings.TrimSuffix(rest, "_CHAIN_ID"))
			if name == "" {
				continue
			}
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("解析环境变量 %s 失败: %w", key, err)
			}
			over := overrides[name]
			over.Name = name
			over.ChainID = id
			overrides[name] = over
		case strings.HasSuffix(rest, "_GAS_LIMIT"):
			name := Normalize(strings.TrimSuffix(rest, "_GAS_LIMIT"))
			if name == "" {
				continue
			}
			limit, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("解析环境变量 %s 失败: %w", key, err)
			}
			over := overrides[name]
			over.Name = name
			over.GasLimit = limit
			overrides[name] = over
		case strings.HasSuffix(rest, "_GAS_PRICE"):
			name := Normalize(strings.TrimSuffix(rest, "_GAS_PRICE"))
			if name == "" {
				continue
			}
			price, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("解析环境变量 %s 失败: %w", key, err)
			}
			over := overrides[name]
			over.Name = name
			over.GasPrice = price
			overrides[name] = over
		}
	}
	return overrides, nil
}

// merge layers the non zero fields of over on top of base.
func merge(base, over Config) Config {
	out := base
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.ChainID != 0 {
		out.ChainID = over.ChainID
	}
	if over.RPCURL != "" {
		out.RPCURL = over.RPCURL
	}
	if over.GasLimit != 0 {
		out.GasLimit = over.GasLimit
	}
	if over.GasPrice != 0 {
		out.GasPrice = over.GasPrice
	}
	if over.Description != "" {
		out.Description = over.Description
	}
	return out
}
