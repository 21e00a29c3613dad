package config

import "time"

// Lua schema names.
const (
	luaGlobalInstaller      = "installer"
	luaFieldName            = "name"
	luaFieldVersion         = "version"
	luaFieldPublisher       = "publisher"
	luaFieldTitle           = "title"
	luaFieldTargetDir       = "target_dir"
	luaFieldRepositories    = "repositories"
	luaFieldURL             = "url"
	luaFieldUsername        = "username"
	luaFieldPassword        = "password"
	luaFieldEnabled         = "enabled"
	luaFieldDownload        = "download"
	luaFieldWorkers         = "workers"
	luaFieldRetries         = "retries"
	luaFieldProgress        = "progress_interval_ms"
	luaFieldPipeline        = "pipeline"
	luaFieldBackupRetention = "backup_retention"
	luaFieldKeyring         = "keyring"
	luaFieldMaintenanceTool = "maintenance_tool"
	luaFieldLogFile         = "log_file"
	luaFieldCheckProcesses  = "check_processes"
	luaFieldValues          = "values"
)

// Limits.
const (
	MaxConfigSize       = 10 << 20
	MaxRepositoryCount  = 100
	MaxWorkers          = 64
	MaxRetries          = 20
	DefaultParseTimeout = 5 * time.Second
)

// Defaults.
const (
	DefaultWorkers            = 4
	DefaultRetries            = 3
	DefaultProgressIntervalMS = 500
	DefaultBackupRetention    = "delete"
	DefaultMaintenanceTool    = "maintenancetool"
)
