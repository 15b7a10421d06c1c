package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"

	. "github.com/smartystreets/goconvey/convey"
)

const sampleReport = `[
  {
    "testSuite": "smoke",
    "pluginExecutions": [
      {
        "plugin": "WarnPlugin",
        "testResults": [
          {
            "resources": {"test": "/work/resources/smoke/Test1.kt"},
            "status": {"type": "com.saveourtool.save.core.result.Pass"},
            "debugInfo": {
              "execCmd": "ktlint Test1.kt",
              "durationMillis": 120,
              "countWarnings": {"unmatched": 1, "matched": 2, "expected": 3, "unexpected": 4}
            }
          },
          {
            "resources": {"test": "/work/resources/smoke/Test2.kt"},
            "status": {"type": "Fail", "reason": "missing warnings"}
          }
        ]
      },
      {
        "plugin": "FixPlugin",
        "testResults": [
          {
            "resources": {"test": "chapter1/Test3.kt"},
            "status": {"type": "Crash", "message": "boom"}
          }
        ]
      }
    ]
  }
]`

func TestParseReport(t *testing.T) {
	Convey("Given a runner report", t, func() {
		opts := ParseOptions{
			AgentID:    "agent-1",
			Root:       "/work/resources",
			StartedAt:  time.Unix(1000, 0),
			FinishedAt: time.Unix(1060, 0),
		}

		Convey("It yields one outcome per test in report order", func() {
			outcomes, err := ParseReport(strings.NewReader(sampleReport), opts)
			So(err, ShouldBeNil)
			So(outcomes, ShouldHaveLength, 3)

			first := outcomes[0].Result
			So(first.FilePath, ShouldEqual, "smoke/Test1.kt")
			So(first.PluginName, ShouldEqual, "WarnPlugin")
			So(first.AgentID, ShouldEqual, "agent-1")
			So(first.Status, ShouldEqual, protocol.TestStatusPassed)
			So(first.StartTimeSeconds, ShouldEqual, 1000)
			So(first.EndTimeSeconds, ShouldEqual, 1060)
			So(first.WarningCounts, ShouldResemble, protocol.WarningCounts{
				Unmatched: 1, Matched: 2, Expected: 3, Unexpected: 4,
			})

			second := outcomes[1]
			So(second.Result.Status, ShouldEqual, protocol.TestStatusFailed)
			So(second.Result.WarningCounts, ShouldResemble, protocol.WarningCounts{})
			So(second.Debug.Message, ShouldEqual, "missing warnings")

			third := outcomes[2]
			So(third.Result.FilePath, ShouldEqual, "chapter1/Test3.kt")
			So(third.Result.PluginName, ShouldEqual, "FixPlugin")
			So(third.Result.Status, ShouldEqual, protocol.TestStatusTestError)

			So(CountPassed(outcomes), ShouldEqual, 1)
		})

		Convey("An empty file is an empty report", func() {
			_, err := ParseReport(strings.NewReader("  \n"), opts)
			So(err, ShouldEqual, ErrEmptyReport)
		})

		Convey("A report without test results is an empty report", func() {
			_, err := ParseReport(strings.NewReader(`[{"testSuite":"s","pluginExecutions":[]}]`), opts)
			So(err, ShouldEqual, ErrEmptyReport)
		})

		Convey("Malformed JSON is a parse error", func() {
			_, err := ParseReport(strings.NewReader(`{"oops"`), opts)
			So(err, ShouldNotBeNil)
			So(err, ShouldNotEqual, ErrEmptyReport)
		})
	})
}
