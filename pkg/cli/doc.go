/*
Package cli provides the helpers shared by the prgate commands: output
formatting, exit codes and signal handling.

Output Formatting:

Command results are printed as JSON or as an aligned table. Types that
implement Tabular render as rows; everything else falls back to JSON.

	formatter, err := cli.NewFormatter(cli.FormatTable)
	if err != nil {
		return err
	}
	return formatter.FormatTo(os.Stdout, result)

Exit Codes:

ExitCode maps the governance error taxonomy onto process exit codes so that
scripts can tell bad input apart from a blocked change:

	0  success
	1  unclassified failure
	2  validation error
	3  not found
	4  integrity or race error
	5  upstream fetch error
	10 the analyzed change is blocked

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
