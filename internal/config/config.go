// Package config loads the hub's tunable settings from a YAML file inside
// a configuration directory, with the directory resolved the way the
// original hub's env var does: VERLIHUB_CFG overrides the default, and a
// -d flag (handled by cmd/vhubd) overrides VERLIHUB_CFG in turn.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir is used when neither -d nor VERLIHUB_CFG is set.
	DefaultDir = "/etc/vhubd"
	// FileName is the settings file inside the config directory.
	FileName = "hub.yaml"
	// EnvDir is the override environment variable.
	EnvDir = "VERLIHUB_CFG"
)

// Config holds every named hub tunable, grouped loosely by the
// component that consumes it. Zero values are never valid on their
// own; Load always starts from Defaults() and overlays the YAML file.
type Config struct {
	ListenPort int    `yaml:"listen_port"`
	HubName    string `yaml:"hub_name"`
	// HubListenHost is the address clients see as the hub's own listen
	// address, used to detect a CTM declaring the hub itself.
	HubListenHost string `yaml:"hub_listen_host"`
	// MaxConnections caps the number of sockets the listener accepts at
	// once; 0 means unlimited. Enforced with netutil.LimitListener so a
	// connection slot is freed only once Close has run.
	MaxConnections int `yaml:"max_connections"`

	// Timeouts.
	TimerConnPeriod time.Duration `yaml:"timer_conn_period"`
	TimeoutKey      time.Duration `yaml:"timeout_key"`
	TimeoutValNick  time.Duration `yaml:"timeout_valnick"`
	TimeoutLogin    time.Duration `yaml:"timeout_login"`
	TimeoutMyINFO   time.Duration `yaml:"timeout_myinfo"`
	TimeoutSetPass  time.Duration `yaml:"timeout_setpass"`
	TimeoutFlush    time.Duration `yaml:"timeout_flush"`

	// Backpressure.
	MaxOutfillSize int `yaml:"max_outfill_size"`
	MaxUnblockSize int `yaml:"max_unblock_size"`
	MaxOutbufSize  int `yaml:"max_outbuf_size"`

	// Password / ban policy.
	PwdSaltLength  int           `yaml:"pwd_salt_length"`
	PwdTmpBan      time.Duration `yaml:"pwd_tmpban"`
	PwdTmpBanMulti int           `yaml:"pwd_tmpban_multiplier"`

	// Chat / dispatch policy.
	ChatDefaultOn     bool `yaml:"chat_default_on"`
	ClassDifPM        int  `yaml:"classdif_pm"`
	MaxPassiveSR      int  `yaml:"max_passive_sr"`
	FilterLANRequests bool `yaml:"filter_lan_requests"`
	MinSearchChars    int  `yaml:"min_search_chars"`
	HideMsgBadCTM     bool `yaml:"hide_msg_badctm"`

	// Flood limiters.
	MaxClassProtoFlood int           `yaml:"max_class_proto_flood"`
	MaxFloodCounterPM  int           `yaml:"max_flood_counter_pm"`
	SameFloodBanTime   time.Duration `yaml:"same_flood_ban_time"`

	// Ban policy.
	BanBypassClass   int           `yaml:"ban_bypass_class"`
	CloneDetectCount int           `yaml:"clonedet_count"`
	CloneDetTBanTime time.Duration `yaml:"clonedet_tban_time"`

	// zlib batch writer.
	DisableZlib       bool `yaml:"disable_zlib"`
	ZlibMinLen        int  `yaml:"zlib_min_len"`
	ZlibCompressLevel int  `yaml:"zlib_compress_level"`

	// Registry / share policy. Per-class minimums/maximums follow the
	// class tiers normal < registered < VIP < operator; a passive user's
	// share is scaled by PassiveShareMulti before the bound check.
	ShareSizeMinNorm  uint64  `yaml:"share_size_min"`
	ShareSizeMinReg   uint64  `yaml:"share_size_min_reg"`
	ShareSizeMinVip   uint64  `yaml:"share_size_min_vip"`
	ShareSizeMinOps   uint64  `yaml:"share_size_min_ops"`
	ShareSizeMaxNorm  uint64  `yaml:"share_size_max"`
	ShareSizeMaxReg   uint64  `yaml:"share_size_max_reg"`
	ShareSizeMaxVip   uint64  `yaml:"share_size_max_vip"`
	ShareSizeMaxOps   uint64  `yaml:"share_size_max_ops"`
	PassiveShareMulti float64 `yaml:"passive_share_multiplier"`

	// MyINFO tag-grammar admission (the bracketed <ClientName V:...,M:...>
	// suffix of the description chunk).
	ShowTags          bool    `yaml:"show_tags"`
	TagAllowNone      bool    `yaml:"tag_allow_none"`
	TagAllowUnknown   bool    `yaml:"tag_allow_unknown"`
	TagAllowPassive   bool    `yaml:"tag_allow_passive"`
	TagAllowSock5     bool    `yaml:"tag_allow_sock5"`
	TagMinClassIgnore int     `yaml:"tag_min_class_ignore"`
	TagMinHubs        int     `yaml:"tag_min_hubs"`
	TagMaxHubs        int     `yaml:"tag_max_hubs"`
	TagMinHubsReg     int     `yaml:"tag_min_hubs_reg"`
	TagMinHubsOp      int     `yaml:"tag_min_hubs_op"`
	TagMinHSRatio     float64 `yaml:"tag_min_hs_ratio"`
	TagMaxHSRatio     float64 `yaml:"tag_max_hs_ratio"`
	TagMinVersion     float64 `yaml:"tag_min_version"`
	TagMaxVersion     float64 `yaml:"tag_max_version"`

	// Hub-use admission: the minimum class/share a connection needs to
	// use the hub at all, once MyINFO has been parsed.
	MinClassUseHub        int    `yaml:"min_class_use_hub"`
	MinClassUseHubPassive int    `yaml:"min_class_use_hub_passive"`
	MinShareUseHub        uint64 `yaml:"min_share_use_hub"`
	MinShareUseHubReg     uint64 `yaml:"min_share_use_hub_reg"`
	MinShareUseHubVip     uint64 `yaml:"min_share_use_hub_vip"`

	NickListSeparator   string `yaml:"nick_list_separator"`
	SendNickListOnLogin bool   `yaml:"send_nick_list"`
	SendOpListOnLogin   bool   `yaml:"send_op_list"`
	SendBotListOnLogin  bool   `yaml:"send_bot_list"`

	// CTM relay policy.
	DetectCTMToHub bool `yaml:"detect_ctmtohub"`

	// Nick normalization.
	NickCaseInsensitive bool   `yaml:"nick_case_insensitive"`
	OperatorNickPrefix  string `yaml:"operator_nick_prefix"`
}

// Defaults returns the hub's built-in defaults: the timeout and flood
// defaults are named explicitly, the rest are historical safe values
// carried from the reference hub's stock configuration.
func Defaults() Config {
	return Config{
		ListenPort:     4111,
		HubName:        "vhubd",
		MaxConnections: 2000,

		TimerConnPeriod: 4 * time.Second,
		TimeoutKey:      60 * time.Second,
		TimeoutValNick:  30 * time.Second,
		TimeoutLogin:    600 * time.Second,
		TimeoutMyINFO:   40 * time.Second,
		TimeoutSetPass:  300 * time.Second,
		TimeoutFlush:    30 * time.Second,

		MaxOutfillSize: 1 << 20,
		MaxUnblockSize: 1 << 18,
		MaxOutbufSize:  4 << 20,

		PwdSaltLength:  8,
		PwdTmpBan:      5 * time.Minute,
		PwdTmpBanMulti: 2,

		ChatDefaultOn:     true,
		ClassDifPM:        0,
		MaxPassiveSR:      10,
		FilterLANRequests: true,
		MinSearchChars:    1,
		HideMsgBadCTM:     false,

		MaxClassProtoFlood: 4,
		MaxFloodCounterPM:  5,
		SameFloodBanTime:   5 * time.Minute,

		BanBypassClass:   3,
		CloneDetectCount: 3,
		CloneDetTBanTime: 5 * time.Minute,

		DisableZlib:       false,
		ZlibMinLen:        1024,
		ZlibCompressLevel: 6,

		ShareSizeMinNorm:  0,
		ShareSizeMinReg:   0,
		ShareSizeMinVip:   0,
		ShareSizeMinOps:   0,
		ShareSizeMaxNorm:  30 * 1024 * 1024,
		ShareSizeMaxReg:   30 * 1024 * 1024,
		ShareSizeMaxVip:   30 * 1024 * 1024,
		ShareSizeMaxOps:   30 * 1024 * 1024,
		PassiveShareMulti: 1.0,

		ShowTags:          true,
		TagAllowNone:      true,
		TagAllowUnknown:   true,
		TagAllowPassive:   true,
		TagAllowSock5:     true,
		TagMinClassIgnore: 4,
		TagMinHubs:        0,
		TagMaxHubs:        0,
		TagMinHubsReg:     0,
		TagMinHubsOp:      0,
		TagMinHSRatio:     0,
		TagMaxHSRatio:     0,
		TagMinVersion:     -1,
		TagMaxVersion:     -1,

		MinClassUseHub:        1,
		MinClassUseHubPassive: 1,
		MinShareUseHub:        0,
		MinShareUseHubReg:     0,
		MinShareUseHubVip:     0,

		NickListSeparator:   "$$",
		SendNickListOnLogin: true,
		SendOpListOnLogin:   true,
		SendBotListOnLogin:  true,

		DetectCTMToHub: true,

		NickCaseInsensitive: false,
		OperatorNickPrefix:  "",
	}
}

// ResolveDir picks the configuration directory: an explicit flag value
// wins, then VERLIHUB_CFG, then DefaultDir.
func ResolveDir(flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	if env := os.Getenv(EnvDir); env != "" {
		return env
	}
	return DefaultDir
}

// Load reads hub.yaml from dir, overlaying it onto Defaults(). A missing
// file is not an error: the hub starts from defaults and logs that it did
// so, matching the original hub's "run with stock settings" behavior on
// first start.
func Load(dir string) (Config, error) {
	cfg := Defaults()

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[config] no %s in %s, using defaults", FileName, dir)
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	log.Printf("[config] loaded %s", path)
	return cfg, nil
}

// Save writes cfg back to dir/hub.yaml, creating dir if necessary. Nothing
// in cmd/vhubd calls it; SIGHUP reload only reads the file.
func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
