package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/stack/sim"
	"github.com/srg/bleapp/pkg/bleapp"
	"github.com/stretchr/testify/suite"
)

// SimStackSuite provides a reusable test suite around a simulated stack and
// an App running on it.
//
// Basic usage:
//
//	type AppSuite struct {
//	    testutils.SimStackSuite
//	}
//
//	func (s *AppSuite) TestAdvertises() {
//	    s.App.SetAdvertisingName("X")
//	    s.StartApp(nil)
//	    s.Equal(1, s.Stack.Count(sim.OpStartAdvertising))
//	}
//
// A test that needs a customized stack or application calls Rebuild with
// its options; the next test starts from the defaults again.
type SimStackSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	TestTimeout time.Duration

	Stack *sim.Stack
	App   *bleapp.App

	done chan error
}

// SetupTest creates a fresh stack and application for every test.
func (s *SimStackSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}

	s.done = nil
	s.Rebuild(nil)
}

// Rebuild replaces Stack and App with new ones built from simOpts and
// appOpts. It must be called before StartApp.
func (s *SimStackSuite) Rebuild(simOpts []sim.Option, appOpts ...bleapp.Option) {
	s.Require().Nil(s.done, "application MUST NOT be running")
	s.Stack = sim.New(append([]sim.Option{sim.WithLogger(s.Logger)}, simOpts...)...)
	s.App = bleapp.New(s.Stack, append([]bleapp.Option{bleapp.WithLogger(s.Logger)}, appOpts...)...)
}

// TearDownTest stops the application if a test left it running.
func (s *SimStackSuite) TearDownTest() {
	s.StopApp()
}

// StartApp runs App.Start on a background goroutine and waits until the
// stack is initialized and the queue is idle.
func (s *SimStackSuite) StartApp(postInit func(*bleapp.App)) {
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.App.Start(postInit)
	}()
	s.Require().Eventually(s.Stack.IsInitialized, s.TestTimeout, time.Millisecond, "stack MUST initialize")
	s.Settle()
}

// StopApp stops the application and waits for Start to return.
// It returns the error Start returned.
func (s *SimStackSuite) StopApp() error {
	if s.done == nil {
		return nil
	}
	s.App.Stop()
	select {
	case err := <-s.done:
		s.done = nil
		return err
	case <-time.After(s.TestTimeout):
		s.FailNow("Start MUST return after Stop")
		return nil
	}
}

// WaitStart waits for Start to return on its own and returns its error.
func (s *SimStackSuite) WaitStart() error {
	s.Require().NotNil(s.done, "application MUST have been started")
	select {
	case err := <-s.done:
		s.done = nil
		return err
	case <-time.After(s.TestTimeout):
		s.FailNow("Start MUST return")
		return nil
	}
}

// Settle waits until the application queue and the stack have no pending work.
func (s *SimStackSuite) Settle() {
	for i := 0; i < 1000; i++ {
		marker := make(chan struct{})
		s.App.Queue().Call(func() { close(marker) })
		select {
		case <-marker:
		case <-time.After(s.TestTimeout):
			s.FailNow("application queue MUST drain")
		}
		if s.App.Queue().Pending() == 0 && s.Stack.Pending() == 0 {
			return
		}
	}
	s.FailNow("application MUST settle")
}
