package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
)

var validate = validator.New()

func DefaultOptions() Options {
	basePath := os.Getenv("KERNEL_CONFIG_PATH")
	if basePath == "" {
		basePath = "config"
	}
	return Options{
		BasePath:  basePath,
		FileName:  "kernel",
		FileType:  "yaml",
		EnvPrefix: "KERNEL",
		Env:       ModeFromEnv(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BasePath == "" {
		o.BasePath = d.BasePath
	}
	if o.FileName == "" {
		o.FileName = d.FileName
	}
	if o.FileType == "" {
		o.FileType = d.FileType
	}
	if o.Env == "" {
		o.Env = d.Env
	}
	return o
}

// Loader reads layered configuration files and keeps them bound to a
// KernelConfig. Files are applied in order, each overriding the previous:
//
//	kernel.yaml, kernel.local.yaml, kernel.<env>.yaml, kernel.<env>.local.yaml
//
// Environment variables override every file.
type Loader struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	v     *viper.Viper
	files []string

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
}

// Load reads and validates configuration in one call.
func Load(opts Options) (*KernelConfig, error) {
	l, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// NewLoader reads the configuration files selected by opts.
func NewLoader(opts Options) (*Loader, error) {
	opts = opts.withDefaults()
	v, files, err := readLayers(opts)
	if err != nil {
		return nil, err
	}
	return &Loader{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("config"),
		v:      v,
		files:  files,
		done:   make(chan struct{}),
	}, nil
}

// Config binds the current settings to a new KernelConfig: defaults first,
// then file and environment values, then validation.
func (l *Loader) Config() (*KernelConfig, error) {
	l.mu.RLock()
	v := l.v
	l.mu.RUnlock()
	return l.bind(v)
}

func (l *Loader) bind(v *viper.Viper) (*KernelConfig, error) {
	cfg := &KernelConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "set config defaults")
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInvalid,
			fmt.Sprintf("unmarshal config (path: %s, file: %s.%s)", l.opts.BasePath, l.opts.FileName, l.opts.FileType))
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "set config defaults after unmarshal")
	}
	if cfg.Env == "" {
		cfg.Env = l.opts.Env
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a KernelConfig holding only default values.
func Default() *KernelConfig {
	cfg := &KernelConfig{Env: ModeFromEnv()}
	_ = defaults.Set(cfg)
	return cfg
}

// Validate checks the struct tags of every section.
func (c *KernelConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "config validation failed")
	}
	return nil
}

// Files returns the files that were read, in the order they were applied.
func (l *Loader) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.files...)
}

// Get returns the raw value at key, e.g. "pool.max-total".
func (l *Loader) Get(key string) any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.Get(key)
}

// Export writes the merged settings to path.
func (l *Loader) Export(path string) error {
	if path == "" {
		return kerrors.NewInvalid("export path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "create directory "+dir)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.v.WriteConfigAs(path); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "write config to "+path)
	}
	return nil
}

// Watch re-reads every layer when a config file in BasePath changes and
// passes the newly bound config to fn. A failed reload keeps the previous
// settings and hands fn the error.
func (l *Loader) Watch(fn func(*KernelConfig, error)) error {
	var err error
	l.watchOnce.Do(func() {
		l.watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return
		}
		if err = l.watcher.Add(l.opts.BasePath); err != nil {
			l.watcher.Close()
			l.watcher = nil
			return
		}
		names := make(map[string]struct{})
		for _, name := range candidateNames(l.opts) {
			names[name] = struct{}{}
		}
		l.wg.Add(1)
		go l.watch(names, fn)
	})
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "watch "+l.opts.BasePath)
	}
	return nil
}

func (l *Loader) watch(names map[string]struct{}, fn func(*KernelConfig, error)) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case e, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := names[filepath.Base(e.Name)]; !tracked {
				continue
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) && !e.Has(fsnotify.Remove) && !e.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
			fn(l.reload())
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (l *Loader) reload() (*KernelConfig, error) {
	v, files, err := readLayers(l.opts)
	if err != nil {
		return nil, err
	}
	cfg, err := l.bind(v)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.v, l.files = v, files
	l.mu.Unlock()
	return cfg, nil
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}

// readLayers merges every existing layer file into one viper instance, then
// applies environment overrides.
func readLayers(opts Options) (*viper.Viper, []string, error) {
	var files []string
	for _, name := range candidateNames(opts) {
		path := filepath.Join(opts.BasePath, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil, nil, kerrors.NewNotFound("configuration files in", opts.BasePath)
	}

	v := viper.New()
	v.SetConfigType(opts.FileType)
	for _, path := range files {
		layer := viper.New()
		layer.SetConfigFile(path)
		if err := layer.ReadInConfig(); err != nil {
			return nil, nil, kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "read config file "+path)
		}
		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, nil, kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "merge config file "+path)
		}
	}
	applyEnvOverrides(v, opts.EnvPrefix)
	return v, files, nil
}

// candidateNames lists layer file names in override order.
func candidateNames(opts Options) []string {
	ext := "." + opts.FileType
	names := []string{
		opts.FileName + ext,
		opts.FileName + ".local" + ext,
	}
	for _, alias := range opts.Env.aliases() {
		names = append(names,
			opts.FileName+"."+alias+ext,
			opts.FileName+"."+alias+".local"+ext,
		)
	}
	return names
}

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// applyEnvOverrides sets every known key that has a matching environment
// variable: pool.max-total -> KERNEL_POOL_MAX_TOTAL. Known keys are the
// file keys plus every KernelConfig field, so a default can be overridden
// without appearing in any file.
func applyEnvOverrides(v *viper.Viper, prefix string) {
	keys := make(map[string]struct{})
	for _, key := range v.AllKeys() {
		keys[key] = struct{}{}
	}
	for _, key := range structKeys(reflect.TypeOf(KernelConfig{}), "") {
		keys[key] = struct{}{}
	}

	for key := range keys {
		envKey := strings.ToUpper(envReplacer.Replace(key))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}
		if value, ok := os.LookupEnv(envKey); ok && value != "" {
			v.Set(key, value)
		}
	}
}

// structKeys returns the dotted mapstructure keys of t's leaf fields.
// Map fields are skipped: their keys only exist in files.
func structKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		switch field.Type.Kind() {
		case reflect.Struct:
			keys = append(keys, structKeys(field.Type, key+".")...)
		case reflect.Map:
		default:
			keys = append(keys, key)
		}
	}
	return keys
}
