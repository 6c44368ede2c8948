package wrapper

import (
	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/procstat"
)

func defaultSample(pid int32) (gatortype.ProcStat, error) {
	return procstat.Sample(pid)
}
