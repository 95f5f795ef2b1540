/*
Package logging implements application log instrumentation.

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import this package and use the
methods of the Logger that New returns. Example:

    import "github.com/zhaohuabing/meta-protocol-proxy/logging"

    func doSomething() {
        log := logging.New()
        log.Errorf("nothing to do")
    }

During startup initialization, Init can redirect logrus's package-level
logger from the default /dev/stderr to another file, and set a common
prefix for each of its entries. A DefaultLog made by New keeps its own
output and formatter, set with its SetOutput and SetFormatter methods.

Output Files

To set a custom file output is currently not recommended in a production
environment, because neither the proper handling of system errors nor a
log rolling mechanism is implemented at the current stage.
*/
package logging
