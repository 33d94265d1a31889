package subprocess

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/soundmill/soundmill-api/log"
)

func streamOutput(src io.Reader, out io.Writer) {
	s := bufio.NewReader(src)
	for {
		var line []byte
		line, err := s.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err == io.EOF {
			log.LogNoJobID("streamOutput() improper termination", "line", line)
			return
		}
		if err != nil {
			log.LogNoJobID("streamOutput ReadSlice error", "err", err)
			return
		}
		_, err = out.Write(line)
		if err != nil {
			log.LogNoJobID("streamOutput out.Write error", "err", err)
			return
		}
	}
}

// LogStdout streams only cmd's stdout, for callers that capture stderr
// themselves.
func LogStdout(cmd *exec.Cmd) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %s", err)
	}
	go streamOutput(stdoutPipe, os.Stdout)
	return nil
}
