package conf

import "github.com/spf13/viper"

// setDefaultConfig sets the default values for each configuration parameter.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "AutoCount")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs")

	viper.SetDefault("webserver.address", ":8080")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "autocount.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "autocount")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "autocount")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("detection.confidencethreshold", 0.80)
	viper.SetDefault("detection.scaletolerance", 0.20)
	viper.SetDefault("detection.scalestep", 0.05)
	viper.SetDefault("detection.rotationtolerance", 15.0)
	viper.SetDefault("detection.rotationstep", 5.0)
	viper.SetDefault("detection.correlationfloor", 0.50)
	viper.SetDefault("detection.nmsiou", 0.30)
	viper.SetDefault("detection.mergeiou", 0.30)
	viper.SetDefault("detection.templateexclusioniou", 0.50)

	viper.SetDefault("vision.enabled", true)
	viper.SetDefault("vision.provider", "gemini")
	viper.SetDefault("vision.apikey", "")
	viper.SetDefault("vision.model", "gemini-2.0-flash")
	viper.SetDefault("vision.maxsubmitedge", 2048)

	viper.SetDefault("jobqueue.maxretries", 3)
	viper.SetDefault("jobqueue.initialdelay", "2s")
	viper.SetDefault("jobqueue.maxdelay", "1m")
	viper.SetDefault("jobqueue.multiplier", 2.0)
	viper.SetDefault("jobqueue.executiontimeout", "10m")

	viper.SetDefault("pages.directory", "pages")
	viper.SetDefault("pages.cachettl", "10m")
}
