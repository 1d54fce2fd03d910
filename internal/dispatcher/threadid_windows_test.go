package dispatcher

import "golang.org/x/sys/windows"

func threadID() int64 { return int64(windows.GetCurrentThreadId()) }
