package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// readChain 按 include 的深度优先顺序合并文件，后读到的覆盖先读到的。
func readChain(v *viper.Viper, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	chain := &includeChain{done: map[string]bool{}, active: map[string]bool{}}
	if err := chain.visit(abs); err != nil {
		return err
	}
	for _, file := range chain.files {
		part := viper.New()
		part.SetConfigFile(file)
		if err := part.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := v.MergeConfigMap(part.AllSettings()); err != nil {
			return fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}
	return nil
}

type includeChain struct {
	done   map[string]bool
	active map[string]bool
	files  []string
}

func (c *includeChain) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case c.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case c.done[path]:
		return nil
	}
	c.active[path] = true
	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := c.visit(inc); err != nil {
			return err
		}
	}
	delete(c.active, path)
	c.done[path] = true
	c.files = append(c.files, path)
	return nil
}

// readIncludes 支持 `include: base.yaml` 与 `include: [a.yaml, b.yaml]` 两种写法。
func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if !v.IsSet("include") {
		return nil, nil
	}
	var out []string
	for _, inc := range v.GetStringSlice("include") {
		if inc = strings.TrimSpace(inc); inc != "" {
			out = append(out, inc)
		}
	}
	return out, nil
}
