package config

import "github.com/knadh/koanf/v2"

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.request_timeout":  "60s",
		"server.shutdown_timeout": "30s",
		"server.public_url":       "http://localhost:8080",

		"database.max_connections": 10,

		"redis.addr":             "localhost:6379",
		"redis.render_queue":     "storyclip:jobs",
		"redis.publish_queue":    "storyclip:publish",
		"redis.capabilities_key": "storyclip:capabilities",

		"logging.level":  "info",
		"logging.format": "json",
		"logging.source": false,

		"storage.provider":        "localfs",
		"storage.local_root":      "/data",
		"storage.public_base_url": "http://localhost:8080/files",

		"renderer.ffmpeg_binary":    "ffmpeg",
		"renderer.ffprobe_binary":   "ffprobe",
		"renderer.work_dir":         "/data/work",
		"renderer.output_dir":       "/data/outputs",
		"renderer.upload_root":      "/data/uploads",
		"renderer.fallback_dirs":    []string{"/tmp/{job}", "/tmp/uploads/{job}"},
		"renderer.preset":           "storyclip_fast",
		"renderer.download_timeout": "5m",

		"capabilities.ttl":                 "15m",
		"capabilities.retry_after_failure": "1m",

		"queue.workers":        3,
		"queue.max_depth":      100,
		"queue.max_attempts":   3,
		"queue.backoff_base":   "2s",
		"queue.backoff_factor": 2.0,
		"queue.pop_timeout":    "5s",

		"watchdog.interval":           "60s",
		"watchdog.stall_window":       "2m",
		"watchdog.queued_window":      "10m",
		"watchdog.progress_threshold": 50,
		"watchdog.janitor_interval":   "1h",
		"watchdog.done_retention":     "24h",
		"watchdog.error_retention":    "168h",

		"publish.default_mode":   "safe",
		"publish.max_concurrent": 1,
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}
