package identity

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticFile 是身份目录文件的结构。
type StaticFile struct {
	GitHub  map[string]string `yaml:"github"`
	Twitter map[string]string `yaml:"twitter"`
	Names   map[string]string `yaml:"names"`
}

// StaticDirectory 由配置文件提供的固定映射，用户名大小写不敏感。
type StaticDirectory struct {
	users map[Platform]map[string]string
	names map[string]string
}

// NewStaticDirectory 根据映射构造目录，非法地址会返回错误。
func NewStaticDirectory(file StaticFile) (*StaticDirectory, error) {
	d := &StaticDirectory{
		users: map[Platform]map[string]string{
			PlatformGitHub:  {},
			PlatformTwitter: {},
		},
		names: map[string]string{},
	}
	for platform, entries := range map[Platform]map[string]string{PlatformGitHub: file.GitHub, PlatformTwitter: file.Twitter} {
		for handle, addr := range entries {
			if !IsAddress(addr) {
				return nil, fmt.Errorf("%s 用户 %s 的地址非法: %q", platform, handle, addr)
			}
			d.users[platform][NormalizeHandle(handle)] = addr
		}
	}
	for name, addr := range file.Names {
		if !IsAddress(addr) {
			return nil, fmt.Errorf("名称 %s 的地址非法: %q", name, addr)
		}
		d.names[strings.ToLower(strings.TrimSpace(name))] = addr
	}
	return d, nil
}

// LoadStaticDirectory 从 YAML 文件加载目录。
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取身份目录失败: %w", err)
	}
	var file StaticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("解析身份目录失败: %w", err)
	}
	return NewStaticDirectory(file)
}

// ResolveUsername 实现 Directory。
func (d *StaticDirectory) ResolveUsername(ctx context.Context, platform Platform, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if addr, ok := d.users[platform][NormalizeHandle(handle)]; ok {
		return addr, nil
	}
	return "", ErrNotFound
}

// ResolveName 实现 Directory。
func (d *StaticDirectory) ResolveName(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if addr, ok := d.names[strings.ToLower(strings.TrimSpace(name))]; ok {
		return addr, nil
	}
	return "", ErrNotFound
}
