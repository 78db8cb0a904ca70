package frame

import (
	"fmt"

	"github.com/klauspost/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(d []byte) uint32 {
	return crc32.Checksum(d, castagnoli)
}

func fmtArgs(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}
	format := args[0].(string)
	if len(args) == 1 {
		return format
	}
	return fmt.Sprintf(format, args[1:]...)
}

func panicIf(cond bool, args ...interface{}) {
	if !cond {
		return
	}
	s := fmtArgs(args...)
	if s == "" {
		s = "fatalIf: condition failed"
	}
	panic(s)
}

func getErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
