package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/christopherjohns/chatguard/internal/config"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Volumes     []string       `yaml:"volumes"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	require.NoError(t, err)
	var compose ComposeFile
	require.NoError(t, yaml.Unmarshal(data, &compose))
	return compose
}

func TestComposeServices(t *testing.T) {
	compose := readCompose(t)
	require.Len(t, compose.Services, 2)
	require.Contains(t, compose.Services, "chatguard")
	require.Contains(t, compose.Services, "redis")
}

func TestChatguardService(t *testing.T) {
	svc := readCompose(t).Services["chatguard"]

	require.NotNil(t, svc.Build)
	require.Equal(t, ".", svc.Build.Context)
	require.Contains(t, svc.Ports, "8080:8080")
	require.Contains(t, svc.DependsOn, "redis")
	require.NotNil(t, svc.Healthcheck)
	require.Contains(t, strings.Join(svc.Healthcheck.Test, " "), "/health")

	require.Contains(t, svc.Environment, "STORAGE_BACKEND=redis")
	require.Contains(t, svc.Environment, "REDIS_ADDR=redis:6379")
	require.True(t, slices.ContainsFunc(svc.Environment, func(e string) bool {
		return strings.HasPrefix(e, "POLICY_FILE=")
	}), "policy file should be configured")
}

func TestRedisService(t *testing.T) {
	compose := readCompose(t)
	redis := compose.Services["redis"]

	require.True(t, strings.HasPrefix(redis.Image, "redis:"), redis.Image)
	require.NotNil(t, redis.Healthcheck)
	require.Contains(t, redis.Command, "--appendonly yes", "bans must survive a redis restart")
	require.Contains(t, redis.Command, "--maxmemory-policy noeviction", "ban snapshots must never be evicted")
	require.True(t, slices.ContainsFunc(redis.Volumes, func(v string) bool {
		return strings.HasPrefix(v, "redis-data:")
	}))
	require.Contains(t, compose.Volumes, "redis-data")
}

func TestRestartPoliciesAndNetwork(t *testing.T) {
	compose := readCompose(t)
	require.Equal(t, "bridge", compose.Networks["chatguard"].Driver)
	for name, svc := range compose.Services {
		require.Equal(t, "unless-stopped", svc.Restart, name)
		require.Contains(t, svc.Networks, "chatguard", name)
	}
}

func TestDockerfile(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), "Dockerfile"))
	require.NoError(t, err)
	content := string(data)

	require.Contains(t, content, "FROM golang:")
	require.Contains(t, content, "AS builder")
	require.Contains(t, content, "./cmd/server")
	require.Contains(t, content, "EXPOSE 8080")
}

func TestDockerignore(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), ".dockerignore"))
	require.NoError(t, err)
	require.Contains(t, string(data), ".git")
	require.Contains(t, string(data), ".env")
}

func TestExamplePolicyLoads(t *testing.T) {
	p, err := config.LoadPolicy(filepath.Join(projectRoot(), "policy.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.DefaultPolicy(), p)
}
