package cmdutils

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperMustBindPFlag binds a pflag to viper under key, panicking on the
// only error BindPFlag can return (a nil flag), which indicates a
// programming error in the calling command's flag setup.
func ViperMustBindPFlag(key string, flag *pflag.Flag) {
	err := viper.BindPFlag(key, flag)
	if err != nil {
		panic(err)
	}
}
