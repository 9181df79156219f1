package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cloudflare/wildebeest-sub000/types"
)

type Config struct {
	Federation types.FedConfig `yaml:"federation"`
	Server     Server          `yaml:"server"`
	NodeInfo   types.NodeInfo  `yaml:"nodeInfo"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

func LoadConfig(path string) (Config, error) {
	var config Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, errors.Wrap(err, "parse config file")
	}

	if config.Federation.Domain == "" {
		return config, errors.New("federation.domain is required")
	}
	if config.Federation.KeySecret == "" {
		return config, errors.New("federation.keySecret is required")
	}
	return config, nil
}
