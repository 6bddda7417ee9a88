package upload

import (
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the yyMMdd folder of the session start date.
const DateLayout = "060102"

// Key builds {yyMMdd}/{sessionID}/{name}.{ext}. The date comes from the
// session start, never the upload time, so retries land on the same key.
func Key(sessionStart time.Time, sessionID, name, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", sessionStart.Format(DateLayout), sessionID, name, ext)
}

// ChunkName is the file stem of chunk index i.
func ChunkName(i int) string {
	return strconv.Itoa(i)
}
