// Package config 加载 hub 守护进程的 JSON 配置，路径可由 OPENMCP_HUB_CONFIG 指定。
package config
