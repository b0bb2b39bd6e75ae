package config

// defaultsYAML is the base layer every load starts from; file and
// environment layers override it.
var defaultsYAML = []byte(`
repo:
  path: "."
  base_branch: main
  worktree_dir: .worktrees

agent:
  command: claude
  args: []
  timeout: 30m
  heartbeat_interval: 30s

scheduler:
  concurrency_limit: 4
  incomplete_only: true

health:
  hung_threshold: 120s
  dead_threshold: 300s
  check_interval: 30s
  grace_period: 60s

retry:
  max_retries: 3
  base_backoff: 60s
  multiplier: 2.0

events:
  history_capacity: 1000

state:
  dir: .foreman/state

log:
  level: info
  format: json

metrics:
  listen_addr: ""
`)
