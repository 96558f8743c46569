package report

import (
	"encoding/xml"
	"fmt"
	"io"

	"ciorch/testplan"
)

// TestSuites is the root of a JUnit XML document.
type TestSuites struct {
	XMLName    xml.Name    `xml:"testsuites"`
	Name       string      `xml:"name,attr"`
	Tests      int         `xml:"tests,attr"`
	Failures   int         `xml:"failures,attr"`
	Errors     int         `xml:"errors,attr"`
	Time       float64     `xml:"time,attr"`
	TestSuites []TestSuite `xml:"testsuite"`
}

// TestSuite holds the cases of one JobRun.
type TestSuite struct {
	Name      string     `xml:"name,attr"`
	Tests     int        `xml:"tests,attr"`
	Failures  int        `xml:"failures,attr"`
	Errors    int        `xml:"errors,attr"`
	Skipped   int        `xml:"skipped,attr"`
	Time      float64    `xml:"time,attr"`
	TestCases []TestCase `xml:"testcase"`
}

// TestCase is one test case, or one placeholder for a JobRun that
// failed or was skipped without running tests.
type TestCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Message `xml:"failure"`
	Error     *Message `xml:"error"`
	Skipped   *Message `xml:"skipped"`
	SystemOut string   `xml:"system-out,omitempty"`
}

// Message carries a failure, error or skip reason.
type Message struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Content string `xml:",chardata"`
}

// JUnit converts the report into JUnit suites, one per JobRun. Test
// plans become class names; JobRuns without tests contribute a single
// case carrying their state so CI dashboards show every JobRun.
func JUnit(r Report) TestSuites {
	suites := TestSuites{Name: r.Project, Time: r.Duration.Seconds()}
	for _, job := range r.Jobs {
		suite := TestSuite{Name: job.Key, Time: job.Duration.Seconds()}

		if len(job.Tests) == 0 {
			suite.TestCases = append(suite.TestCases, jobCase(job))
		}
		for _, test := range job.Tests {
			testCase := TestCase{
				Name:      test.Case,
				ClassName: job.Key + "." + test.Plan,
				Time:      test.Duration.Seconds(),
			}
			switch test.Outcome {
			case testplan.Fail:
				testCase.Failure = &Message{Message: fmt.Sprintf("exit status %d", test.ExitStatus), Type: "failure", Content: test.Log}
			case testplan.Error:
				testCase.Error = &Message{Message: firstLine(test.Log), Type: "error", Content: test.Log}
			}
			suite.TestCases = append(suite.TestCases, testCase)
		}

		for _, testCase := range suite.TestCases {
			suite.Tests++
			switch {
			case testCase.Failure != nil:
				suite.Failures++
			case testCase.Error != nil:
				suite.Errors++
			case testCase.Skipped != nil:
				suite.Skipped++
			}
		}
		suites.Tests += suite.Tests
		suites.Failures += suite.Failures
		suites.Errors += suite.Errors
		suites.TestSuites = append(suites.TestSuites, suite)
	}
	return suites
}

func jobCase(job JobReport) TestCase {
	testCase := TestCase{Name: job.Name, ClassName: job.Key, Time: job.Duration.Seconds()}
	switch job.State {
	case StateSucceeded:
	case StateSkipped:
		testCase.Skipped = &Message{Message: job.Reason}
	case StateFailed:
		testCase.Failure = &Message{Message: job.Reason, Type: "job", Content: logTail(job.Log, maxLogLines)}
	default:
		testCase.Error = &Message{Message: "job did not finish", Type: "incomplete"}
	}
	return testCase
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// WriteJUnit writes the report as a JUnit XML document.
func WriteJUnit(w io.Writer, r Report) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(JUnit(r)); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
