// =============================================================================
// 📦 DBFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("dbflow.yaml").
//	    WithEnvPrefix("DBFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/dbflow/internal/server"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 DBFlow 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Registry 连接注册表与健康监督配置
	Registry types.RegistryConfig `yaml:"registry"`

	// Ops 运维端点（健康查询 + 指标暴露）配置
	Ops server.Config `yaml:"ops"`

	// Defaults 应用配置的公共基线，每个 Apps 条目从它继承
	Defaults types.AppConfig `yaml:"defaults"`

	// Apps 按应用名声明的连接配置
	Apps map[string]types.AppConfig `yaml:"apps"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths"`
}

// App 返回某个应用合并 defaults 后的最终配置。
// ok 为 false 表示该应用未在配置中声明。
func (c *Config) App(name string) (types.AppConfig, bool) {
	app, ok := c.Apps[name]
	if !ok {
		return types.AppConfig{}, false
	}
	return MergeApp(c.Defaults, app), true
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DBFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, err
	}

	// 4. 运行验证器
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, types.NewError(types.ErrConfiguration, "config validation failed").
				WithCause(err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return types.NewError(types.ErrConfiguration, "failed to read config file: "+l.configPath).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return types.NewError(types.ErrConfiguration, "failed to parse config file: "+l.configPath).
			WithCause(err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置。环境变量键由 yaml tag 推导:
// log.level → DBFLOW_LOG_LEVEL, registry.health_interval →
// DBFLOW_REGISTRY_HEALTH_INTERVAL。map 字段（apps）不参与覆盖。
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		key := yamlKey(fieldType)
		if key == "" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(key)

		// 结构体递归处理
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return types.NewError(types.ErrConfiguration, "invalid value for "+envKey).
				WithCause(err)
		}
	}

	return nil
}

// yamlKey 返回字段的 yaml 名，"-" 和匿名字段返回空
func yamlKey(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return ""
	}
	return name
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Pointer:
		// *bool 组件开关
		if field.Type().Elem().Kind() == reflect.Bool {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			field.Set(reflect.ValueOf(&b))
		}

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, "log.format must be json or console")
	}

	if c.Registry.HealthInterval < 0 {
		errs = append(errs, "registry.health_interval must not be negative")
	}
	if c.Registry.MaxProbeConcurrency < 0 {
		errs = append(errs, "registry.max_probe_concurrency must not be negative")
	}

	for name, app := range c.Apps {
		merged := MergeApp(c.Defaults, app)
		if err := ValidateApp(name, merged); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrConfiguration,
			"config validation errors: "+strings.Join(errs, "; "))
	}

	return nil
}

// ValidateApp 验证单个应用的最终配置
func ValidateApp(name string, app types.AppConfig) error {
	reusing := app.UseConnection != ""

	if !reusing || app.UseConnection == "any" {
		switch app.Database.Dialect {
		case types.DialectPostgres, types.DialectMySQL:
			if app.Database.Host == "" {
				return types.NewError(types.ErrConfiguration,
					fmt.Sprintf("app %q: database.host is required for %s", name, app.Database.Dialect)).
					WithTenant(name)
			}
			if app.Database.Port <= 0 || app.Database.Port > 65535 {
				return types.NewError(types.ErrConfiguration,
					fmt.Sprintf("app %q: database.port %d out of range", name, app.Database.Port)).
					WithTenant(name)
			}
		case types.DialectSQLite:
		default:
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("app %q: unsupported dialect %q", name, app.Database.Dialect)).
				WithTenant(name)
		}
		if app.Database.Database == "" {
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("app %q: database.database is required", name)).
				WithTenant(name)
		}
	}

	if reusing && app.UseConnection != "any" && app.UseConnection == name {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("app %q: use_connection cannot reference itself", name)).
			WithTenant(name)
	}
	if app.Transaction.MaxRetries < 0 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("app %q: transaction.max_retries must not be negative", name)).
			WithTenant(name)
	}
	if app.Transaction.MaxConcurrent < 0 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("app %q: transaction.max_concurrent must not be negative", name)).
			WithTenant(name)
	}
	return nil
}
