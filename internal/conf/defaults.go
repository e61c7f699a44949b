// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("storage.root", "data/")
	viper.SetDefault("storage.rawdir", "raw")
	viper.SetDefault("storage.processeddir", "processed")
	viper.SetDefault("storage.framedir", "frames")
	viper.SetDefault("storage.tempdir", "tmp")
	viper.SetDefault("storagemargin", 1.5)
	viper.SetDefault("lockstaleness", 1800)
	viper.SetDefault("hashsalt", "")

	viper.SetDefault("transcode.codec", "h264")
	viper.SetDefault("transcode.pixelformat", "yuv420p")
	viper.SetDefault("transcode.colorrange", "pc")
	viper.SetDefault("transcode.ffmpegpath", "ffmpeg")
	viper.SetDefault("transcode.ffprobepath", "ffprobe")
	viper.SetDefault("transcode.quality", 2)
	viper.SetDefault("transcode.frameext", ".jpg")

	viper.SetDefault("ocr.tesseractpath", "tesseract")
	viper.SetDefault("ocr.language", "deu")
	viper.SetDefault("ocr.framefraction", 0.001)
	viper.SetDefault("ocr.framecap", 15)

	viper.SetDefault("inference.modelpath", "models/segment_classifier.tflite")
	viper.SetDefault("inference.smoothwindowsec", 1.0)
	viper.SetDefault("inference.binarizethreshold", 0.5)
	viper.SetDefault("inference.threads", 0)

	viper.SetDefault("database.sqlite.enabled", true)
	viper.SetDefault("database.sqlite.path", "endoscrub.db")
	viper.SetDefault("database.mysql.enabled", false)
	viper.SetDefault("database.mysql.username", "endoscrub")
	viper.SetDefault("database.mysql.database", "endoscrub")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", "3306")

	viper.SetDefault("log.enabled", true)
	viper.SetDefault("log.path", "endoscrub.log")
	viper.SetDefault("log.maxsizemb", 100)
	viper.SetDefault("log.maxbackups", 3)
	viper.SetDefault("log.maxagedays", 28)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "localhost:9090")

	viper.SetDefault("anonymizerworkers", 0)
}
