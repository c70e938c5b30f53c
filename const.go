package livephoto

const (
	defaultStillImagePercent = 0.5
	defaultJPEGQuality       = 95
	defaultMaxDimension      = 0
)

const (
	extJPEG = ".JPG"
	extMOV  = ".MOV"
)
