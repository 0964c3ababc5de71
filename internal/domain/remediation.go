package domain

const (
	RemediationBan     = "ban"
	RemediationCaptcha = "captcha"
	RemediationBypass  = "bypass"
)

// Default cache lifetimes, in seconds.
const (
	DefaultBadIPCacheDuration   = 120
	DefaultCleanIPCacheDuration = 60
)
